// cmd/token issues development access tokens and, optionally, the key pair
// they are signed with.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jason-s-yu/wordle-multi/internal/auth"
	"github.com/jason-s-yu/wordle-multi/internal/database"
	"github.com/jason-s-yu/wordle-multi/internal/models"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
)

func main() {
	userID := flag.Int64("user", 0, "user id to issue the token for (required)")
	username := flag.String("name", "", "display name carried in the token")
	keygen := flag.Bool("keygen", false, "generate a new key pair at the configured paths first")
	seed := flag.Bool("seed", false, "upsert the user into DATABASE_URL so lobby views show the name")
	expire := flag.Duration("expire", 24*time.Hour, "token lifetime")
	flag.Parse()

	logger := logrus.New()
	if *userID <= 0 {
		flag.Usage()
		os.Exit(2)
	}

	privPath := getEnv("JWT_PRIVATE_KEY_PATH", "keys/private.pem")
	pubPath := getEnv("JWT_PUBLIC_KEY_PATH", "keys/public.pem")

	var keys *auth.Keys
	var err error
	if *keygen {
		keys, err = auth.GenerateKeys(*expire)
		if err != nil {
			logger.Fatalf("failed to generate keys: %v", err)
		}
		for _, p := range []string{privPath, pubPath} {
			if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
				logger.Fatalf("failed to create key directory: %v", err)
			}
		}
		if err := keys.WritePEM(privPath, pubPath); err != nil {
			logger.Fatalf("failed to write keys: %v", err)
		}
		logger.Infof("wrote %s and %s", privPath, pubPath)
	} else {
		keys, err = auth.LoadKeys(privPath, pubPath, *expire)
		if err != nil {
			logger.Fatalf("failed to load keys (use -keygen to create them): %v", err)
		}
	}

	if *seed {
		if err := seedUser(*userID, *username); err != nil {
			logger.Fatalf("failed to seed user: %v", err)
		}
		logger.Infof("seeded user %d", *userID)
	}

	token, err := keys.CreateJWT(*userID, *username)
	if err != nil {
		logger.Fatalf("failed to sign token: %v", err)
	}
	fmt.Println(token)
}

func seedUser(id int64, username string) error {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		return fmt.Errorf("DATABASE_URL is not set")
	}
	if username == "" {
		username = models.FallbackUsername(id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := database.RunMigrations(url); err != nil {
		return err
	}
	pool, err := database.Connect(ctx, url, 1)
	if err != nil {
		return err
	}
	defer pool.Close()
	return database.UpsertUser(ctx, pool, &models.User{ID: id, Username: username})
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
