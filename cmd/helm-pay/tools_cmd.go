package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/auth"
	"github.com/Mindburn-Labs/helm-pay/pkg/config"
	"github.com/Mindburn-Labs/helm-pay/pkg/crypto"
)

// runTokenCmd issues a bearer token signed with AP2_JWT_SECRET.
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		agentID string
		roles   string
		ttl     time.Duration
	)
	cmd.StringVar(&agentID, "agent", "", "Agent ID the token authenticates (REQUIRED)")
	cmd.StringVar(&roles, "role", "", "Comma-separated roles, e.g. admin")
	cmd.DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if agentID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --agent is required")
		cmd.Usage()
		return 2
	}
	if ttl <= 0 {
		_, _ = fmt.Fprintln(stderr, "Error: --ttl must be positive")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	validator := auth.NewJWTValidator(cfg.JWTSecret)
	if validator == nil {
		_, _ = fmt.Fprintln(stderr, "Error: AP2_JWT_SECRET is not set")
		return 1
	}

	token, err := validator.Issue(agentID, splitList(roles), ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, token)
	return 0
}

// runSecretCmd prints the signing secret the server derives for an agent from
// AP2_MASTER_SECRET. Agents use it to sign mandates and votes.
func runSecretCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("secret", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		agentID    string
		jsonOutput bool
	)
	cmd.StringVar(&agentID, "agent", "", "Agent ID (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if agentID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --agent is required")
		cmd.Usage()
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if cfg.MasterSecret == "" {
		_, _ = fmt.Fprintln(stderr, "Error: AP2_MASTER_SECRET is not set")
		return 1
	}

	secret, err := crypto.DeriveAgentSecret([]byte(cfg.MasterSecret), agentID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if jsonOutput {
		data, _ := json.MarshalIndent(map[string]string{"agent_id": agentID, "secret": secret}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	_, _ = fmt.Fprintln(stdout, secret)
	return 0
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var url string
	cmd.StringVar(&url, "url", "http://localhost:8080/health", "Health endpoint")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "OK")
	return 0
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
