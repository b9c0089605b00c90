package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"taskmaster/api"
)

func main() {
	var (
		count  = flag.Int("count", 1, "number of tokens to generate")
		prefix = flag.String("prefix", "local-user", "prefix for generated user IDs when count > 1")
		start  = flag.Int("start", 1, "starting index for generated user IDs when count > 1")
		output = flag.String("output", "", "file to write generated tokens as a JSON array")
		secret = flag.String("secret", "", "HS256 secret (default: LOCAL_AUTH_SHARED_SECRET, then TEST_JWT_SECRET)")
	)
	flag.Parse()

	if *count < 1 {
		log.Fatal("count must be at least 1")
	}
	if *start < 1 {
		log.Fatal("start index must be at least 1")
	}
	args := flag.Args()
	if len(args) > 0 && *count > 1 {
		log.Fatal("explicit user ID cannot be provided when generating multiple tokens")
	}

	auth := api.NewLocalAuth([]byte(resolveSecret(*secret)))
	tokens, err := generateTokens(auth, *count, *prefix, *start, args)
	if err != nil {
		log.Fatalf("generate token: %v", err)
	}

	if *output != "" {
		if err := writeTokens(*output, tokens); err != nil {
			log.Fatalf("write tokens: %v", err)
		}
	}
	fmt.Print(tokens[0])
}

func resolveSecret(flagValue string) string {
	for _, v := range []string{flagValue, os.Getenv("LOCAL_AUTH_SHARED_SECRET"), os.Getenv("TEST_JWT_SECRET")} {
		if v != "" {
			return v
		}
	}
	return "testsecret"
}

func generateTokens(auth *api.Auth, count int, prefix string, start int, args []string) ([]string, error) {
	tokens := make([]string, count)
	for i := 0; i < count; i++ {
		var userID string
		switch {
		case len(args) > 0:
			userID = args[0]
		case count == 1:
			userID = prefix
		default:
			userID = fmt.Sprintf("%s-%d", prefix, start+i)
		}
		tok, _, err := auth.IssueToken(userID)
		if err != nil {
			return nil, err
		}
		tokens[i] = tok
	}
	return tokens, nil
}

func writeTokens(path string, tokens []string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := sonic.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
