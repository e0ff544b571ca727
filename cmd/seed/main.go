package main

import (
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"

	"github.com/aegisproxy/aegis/backend/internal/config"
	"github.com/aegisproxy/aegis/backend/internal/database"
	"github.com/aegisproxy/aegis/backend/internal/models"
)

// defaultModules are the reusable nginx snippets every install starts with.
var defaultModules = []models.Module{
	{
		Name:        "Real IP",
		Description: "Restore the client address behind a trusted upstream proxy",
		Level:       models.ModuleLevelServer,
		Tag:         "networking",
		Content: `set_real_ip_from 10.0.0.0/8;
set_real_ip_from 172.16.0.0/12;
set_real_ip_from 192.168.0.0/16;
real_ip_header X-Forwarded-For;
real_ip_recursive on;`,
	},
	{
		Name:        "Force HTTPS",
		Description: "Redirect all plain HTTP requests to HTTPS",
		Level:       models.ModuleLevelRedirect,
		Tag:         "security",
		Content:     `return 301 https://$host$request_uri;`,
	},
	{
		Name:        "Websocket Support",
		Description: "Upgrade handling for websocket backends",
		Level:       models.ModuleLevelLocation,
		Tag:         "networking",
		Content: `proxy_http_version 1.1;
proxy_set_header Upgrade $http_upgrade;
proxy_set_header Connection "upgrade";
proxy_read_timeout 86400s;`,
	},
	{
		Name:        "Gzip",
		Description: "Compress common text responses",
		Level:       models.ModuleLevelServer,
		Tag:         "performance",
		Content: `gzip on;
gzip_vary on;
gzip_min_length 1024;
gzip_types text/plain text/css text/javascript application/json application/javascript application/xml image/svg+xml;`,
	},
	{
		Name:        "Security Headers",
		Description: "Baseline browser security headers",
		Level:       models.ModuleLevelServer,
		Tag:         "security",
		Content: `add_header X-Frame-Options "SAMEORIGIN" always;
add_header X-Content-Type-Options "nosniff" always;
add_header Referrer-Policy "strict-origin-when-cross-origin" always;
add_header X-XSS-Protection "1; mode=block" always;`,
	},
}

// defaultDetectionRules give a fresh install a sane automatic ban policy.
var defaultDetectionRules = []models.DetectionRule{
	{
		Name:               "Critical attack burst",
		Threshold:          3,
		TimeWindowSeconds:  60,
		SeverityFilter:     "CRITICAL",
		BanDurationSeconds: 86400,
		BanSeverity:        "CRITICAL",
		Priority:           10,
		Enabled:            true,
	},
	{
		Name:               "Repeated high severity hits",
		Threshold:          10,
		TimeWindowSeconds:  300,
		SeverityFilter:     "HIGH",
		BanDurationSeconds: 3600,
		BanSeverity:        "HIGH",
		Priority:           20,
		Enabled:            true,
	},
	{
		Name:               "Sustained scanning",
		Threshold:          25,
		TimeWindowSeconds:  600,
		SeverityFilter:     models.SeverityFilterAll,
		BanDurationSeconds: 1800,
		BanSeverity:        "MEDIUM",
		Priority:           30,
		Enabled:            true,
	},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("migrate database: %v", err)
	}
	fmt.Println("✓ Database migrated successfully")

	// System whitelist, default settings, generated jwt_secret.
	if err := database.Seed(db); err != nil {
		log.Fatalf("seed engine defaults: %v", err)
	}
	fmt.Println("✓ Engine defaults seeded")

	for _, module := range defaultModules {
		m := module
		result := db.Where("name = ?", m.Name).FirstOrCreate(&m)
		if result.Error != nil {
			log.Printf("Failed to seed module %s: %v", m.Name, result.Error)
		} else if result.RowsAffected > 0 {
			fmt.Printf("✓ Created module: %s (%s)\n", m.Name, m.Level)
		} else {
			fmt.Printf("  Module already exists: %s\n", m.Name)
		}
	}

	for _, rule := range defaultDetectionRules {
		r := rule
		result := db.Where("name = ?", r.Name).FirstOrCreate(&r)
		if result.Error != nil {
			log.Printf("Failed to seed detection rule %s: %v", r.Name, result.Error)
		} else if result.RowsAffected > 0 {
			fmt.Printf("✓ Created detection rule: %s (%d in %ds)\n", r.Name, r.Threshold, r.TimeWindowSeconds)
		} else {
			fmt.Printf("  Detection rule already exists: %s\n", r.Name)
		}
	}

	// Default admin user; without AEGIS_DEFAULT_ADMIN_PASSWORD the account
	// is created disabled for login (placeholder hash).
	adminEmail := os.Getenv("AEGIS_DEFAULT_ADMIN_EMAIL")
	if adminEmail == "" {
		adminEmail = "admin@localhost"
	}
	adminPassword := os.Getenv("AEGIS_DEFAULT_ADMIN_PASSWORD")

	var existing models.User
	if err := db.Where("email = ?", adminEmail).First(&existing).Error; err != nil {
		user := models.User{
			UUID:    uuid.NewString(),
			Email:   adminEmail,
			Name:    "Administrator",
			Role:    "admin",
			Enabled: true,
		}
		if adminPassword != "" {
			if err := user.SetPassword(adminPassword); err != nil {
				log.Fatalf("hash admin password: %v", err)
			}
		} else {
			user.PasswordHash = "$2a$10$placeholder_not_loginable"
		}
		if err := db.Create(&user).Error; err != nil {
			log.Printf("Failed to seed admin user: %v", err)
		} else {
			fmt.Printf("✓ Created default user: %s\n", user.Email)
		}
	} else {
		fmt.Printf("  User already exists: %s\n", existing.Email)
	}

	fmt.Println("\n✓ Database seeding completed successfully!")
}
