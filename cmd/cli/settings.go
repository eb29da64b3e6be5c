package cli

import (
	"fmt"
	"sort"
	"strings"

	"chatassign/internal/services"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change reassignment settings",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective reassignment settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		provider, err := openSettingsProvider()
		if err != nil {
			return err
		}
		s, err := provider.GetReassignmentSettings(cmd.Context())
		if err != nil {
			return err
		}
		printSettings(s)
		return nil
	},
}

var settingsSetCmd = &cobra.Command{
	Use:     "set key=value [key=value...]",
	Short:   "Update reassignment settings",
	Example: "  chatassign settings set chat_max_reassignments=5 chat_assignment_strategy=round_robin",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		values, err := parseAssignments(args)
		if err != nil {
			return err
		}
		provider, err := openSettingsProvider()
		if err != nil {
			return err
		}
		s, err := provider.UpdateSettings(cmd.Context(), values)
		if err != nil {
			return err
		}
		printSettings(s)
		return nil
	},
}

func init() {
	settingsCmd.AddCommand(settingsShowCmd, settingsSetCmd)
	rootCmd.AddCommand(settingsCmd)
}

func openSettingsProvider() (*services.GormSettingsProvider, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}
	return services.NewGormSettingsProvider(db, services.DefaultSettings(cfg.Reassignment), logrus.StandardLogger()), nil
}

func parseAssignments(args []string) (map[string]string, error) {
	values := make(map[string]string, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		values[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return values, nil
}

func printSettings(s services.ReassignmentSettings) {
	values := s.ToValues()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%-36s %s\n", k, values[k])
	}
}

