package main

import (
	"flag"
	"log"
	"strings"

	"chatassign/internal/config"
	"chatassign/internal/models"
	"chatassign/internal/services"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	seed := flag.Bool("seed", false, "write default reassignment settings for keys that have no row yet")
	flag.Parse()

	_ = godotenv.Load()
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("CHATASSIGN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 连接数据库
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	log.Println("Database migration completed successfully!")

	// 等待队列按创建时间扫描，客服会话按分配对象查询
	log.Println("Creating additional indexes...")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_chat_sessions_status_created ON chat_sessions(status, created_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_chat_sessions_agent_status ON chat_sessions(assigned_agent_id, status)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_reassignment_events_session_time ON reassignment_events(session_id, occurred_at)")
	log.Println("Additional indexes created successfully!")

	if *seed {
		log.Println("Seeding default settings...")
		seedDefaultSettings(db, services.DefaultSettings(cfg.Reassignment))
	}

	log.Println("Migration process completed!")
}

func seedDefaultSettings(db *gorm.DB, defaults services.ReassignmentSettings) {
	created := 0
	for key, value := range defaults.ToValues() {
		var existing models.ChatSetting
		if err := db.Where("key = ?", key).First(&existing).Error; err == nil {
			continue
		}
		if err := db.Create(&models.ChatSetting{Key: key, Value: value}).Error; err != nil {
			log.Printf("Failed to seed %s: %v", key, err)
			continue
		}
		created++
	}
	log.Printf("Seeded %d settings", created)
}
