package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatassign/internal/config"
	"chatassign/internal/models"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSettings_FromConfigAreValid(t *testing.T) {
	s := DefaultSettings(config.GetDefaultConfig().Reassignment)
	require.NoError(t, s.Validate())
	assert.Equal(t, StrategyLeastActive, s.Strategy)
	assert.Equal(t, 5*time.Second, s.CooldownWindow)
}

func TestReassignmentSettings_ValidateRanges(t *testing.T) {
	cases := map[string]func(*ReassignmentSettings){
		"inactivity too short": func(s *ReassignmentSettings) { s.InactivityTimeout = 29 * time.Second },
		"grace too long":       func(s *ReassignmentSettings) { s.GracePeriod = 301 * time.Second },
		"max chats zero":       func(s *ReassignmentSettings) { s.MaxChatsPerAgent = 0 },
		"agent timeout":        func(s *ReassignmentSettings) { s.AgentInactivityTimeout = 1801 * time.Second },
		"retention":            func(s *ReassignmentSettings) { s.LogRetentionDays = 6 },
		"max reassignments":    func(s *ReassignmentSettings) { s.MaxReassignments = 21 },
		"strategy":             func(s *ReassignmentSettings) { s.Strategy = "random" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := testSettings()
			mutate(&s)
			assert.ErrorIs(t, s.Validate(), ErrInvalidSettings)
		})
	}
}

func TestReassignmentSettings_ApplyValues(t *testing.T) {
	base := testSettings()
	s, err := base.ApplyValues(map[string]string{
		KeyAutoReassignmentEnabled: "false",
		KeyGracePeriod:             "45",
		KeyAssignmentStrategy:      "round_robin",
		KeyMaxReassignments:        "7",
		"unrelated_setting":        "whatever",
	})
	require.NoError(t, err)
	assert.False(t, s.AutoReassignmentEnabled)
	assert.Equal(t, 45*time.Second, s.GracePeriod)
	assert.Equal(t, StrategyRoundRobin, s.Strategy)
	assert.Equal(t, 7, s.MaxReassignments)
	assert.True(t, base.AutoReassignmentEnabled, "base snapshot must not change")

	_, err = base.ApplyValues(map[string]string{KeyMaxChatsPerAgent: "lots"})
	assert.ErrorIs(t, err, ErrInvalidSettings)
}

func TestReassignmentSettings_ValuesRoundTrip(t *testing.T) {
	s := testSettings()
	back, err := ReassignmentSettings{}.ApplyValues(s.ToValues())
	require.NoError(t, err)
	assert.Equal(t, s, back)
}

func TestGormSettingsProvider_DefaultsAndUpdate(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, "settings")
	p := NewGormSettingsProvider(db, testSettings(), newTestLogger())

	s, err := p.GetReassignmentSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, testSettings(), s)

	updated, err := p.UpdateSettings(ctx, map[string]string{KeyMaxChatsPerAgent: "9", KeyNotifyNewAgent: "false"})
	require.NoError(t, err)
	assert.Equal(t, 9, updated.MaxChatsPerAgent)

	var rows []models.ChatSetting
	require.NoError(t, db.Find(&rows).Error)
	assert.Len(t, rows, 2)

	// 新实例从数据库读取
	fresh := NewGormSettingsProvider(db, testSettings(), newTestLogger())
	s, err = fresh.GetReassignmentSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9, s.MaxChatsPerAgent)
	assert.False(t, s.NotifyNewAgent)
}

func TestGormSettingsProvider_RejectsInvalidBatch(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, "settings")
	p := NewGormSettingsProvider(db, testSettings(), newTestLogger())

	_, err := p.UpdateSettings(ctx, map[string]string{KeyMaxChatsPerAgent: "9", KeyGracePeriod: "1"})
	assert.ErrorIs(t, err, ErrInvalidSettings)
	_, err = p.UpdateSettings(ctx, map[string]string{"chat_sound": "ding"})
	assert.ErrorIs(t, err, ErrInvalidSettings)

	var n int64
	db.Model(&models.ChatSetting{}).Count(&n)
	assert.Zero(t, n, "rejected batch must not be partially written")
}

func TestGormSettingsProvider_CorruptRowFailsClosed(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, "settings")
	require.NoError(t, db.Create(&models.ChatSetting{Key: KeyInactivityTimeout, Value: "5"}).Error)

	p := NewGormSettingsProvider(db, testSettings(), newTestLogger())
	_, err := p.GetReassignmentSettings(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfigUnavailable))

	require.NoError(t, db.Model(&models.ChatSetting{}).Where(&models.ChatSetting{Key: KeyInactivityTimeout}).Update("value", "60").Error)
	p.Invalidate()
	s, err := p.GetReassignmentSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, s.InactivityTimeout)
}

func TestGormSettingsProvider_PicksUpChangesFromOtherWriters(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, "settings")
	mock := clock.NewMock()

	server := NewGormSettingsProvider(db, testSettings(), newTestLogger())
	server.SetClock(mock)
	server.SetRefreshInterval(5 * time.Second)
	s, err := server.GetReassignmentSettings(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, s.MaxReassignments)

	cli := NewGormSettingsProvider(db, testSettings(), newTestLogger())
	_, err = cli.UpdateSettings(ctx, map[string]string{
		KeyMaxReassignments:        "7",
		KeyAutoReassignmentEnabled: "false",
	})
	require.NoError(t, err)

	// 有效期内继续使用原快照
	mock.Add(2 * time.Second)
	s, err = server.GetReassignmentSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, s.MaxReassignments)

	mock.Add(3 * time.Second)
	s, err = server.GetReassignmentSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, s.MaxReassignments)
	assert.False(t, s.AutoReassignmentEnabled)
}

func TestGormSettingsProvider_ExpiredSnapshotFailsClosedOnCorruptRow(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, "settings")
	mock := clock.NewMock()

	p := NewGormSettingsProvider(db, testSettings(), newTestLogger())
	p.SetClock(mock)
	_, err := p.GetReassignmentSettings(ctx)
	require.NoError(t, err)

	require.NoError(t, db.Create(&models.ChatSetting{Key: KeyGracePeriod, Value: "1"}).Error)
	mock.Add(DefaultSettingsRefresh)
	_, err = p.GetReassignmentSettings(ctx)
	assert.ErrorIs(t, err, ErrConfigUnavailable)
}
