package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	apiclient "github.com/rjpalt/KubeMOOC-Ops/pkg/api/client"
	"github.com/rjpalt/KubeMOOC-Ops/pkg/crypto"
	"github.com/rjpalt/KubeMOOC-Ops/pkg/jwt"
)

const defaultAPIBase = "http://localhost:7071"

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	FunctionKey string `json:"function_key,omitempty"`
	Token       string `json:"token,omitempty"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "provision":
		err = commandProvision(args)
	case "deploy":
		err = commandDeploy(args)
	case "deprovision":
		err = commandDeprovision(args)
	case "health":
		err = commandHealth(args)
	case "login":
		err = commandLogin(args)
	case "hash-key":
		err = commandHashKey(args)
	case "token":
		err = commandToken(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandProvision(args []string) error {
	fs := flag.NewFlagSet("provision", flag.ExitOnError)
	branch := fs.String("branch", "", "Branch name")
	fs.Parse(args)
	if strings.TrimSpace(*branch) == "" {
		return errors.New("--branch is required")
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	result, err := client.Provision(ctx, *branch)
	if err != nil {
		return err
	}
	if err := printResult(os.Stdout, result); err != nil {
		return err
	}
	if result.Status != "success" {
		return errors.New(result.Message)
	}
	return nil
}

func commandDeploy(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	branch := fs.String("branch", "", "Branch name")
	commit := fs.String("commit", "", "Commit SHA of the build")
	fs.Parse(args)
	if strings.TrimSpace(*branch) == "" || strings.TrimSpace(*commit) == "" {
		return errors.New("--branch and --commit are required")
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	result, err := client.Deploy(ctx, *branch, *commit)
	if result.Namespace != "" {
		if perr := printResult(os.Stdout, result); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "preview available at %s\n", result.DeploymentURL)
	return nil
}

func commandDeprovision(args []string) error {
	fs := flag.NewFlagSet("deprovision", flag.ExitOnError)
	branch := fs.String("branch", "", "Branch name")
	fs.Parse(args)
	if strings.TrimSpace(*branch) == "" {
		return errors.New("--branch is required")
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	result, err := client.Deprovision(ctx, *branch)
	if err != nil {
		return err
	}
	if err := printResult(os.Stdout, result); err != nil {
		return err
	}
	if result.Status != "success" {
		return errors.New(result.Message)
	}
	return nil
}

func commandHealth(args []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	fs.Parse(args)
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	payload, err := client.Health(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\n", payload["service"], payload["status"])
	return nil
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL (default "+defaultAPIBase+")")
	key := fs.String("key", "", "Function key (supply to avoid prompt)")
	token := fs.String("token", "", "Caller JWT to store instead of a function key")
	fs.Parse(args)

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = strings.TrimSpace(*apiBase)
	}
	if strings.TrimSpace(*token) != "" {
		cfg.Token = strings.TrimSpace(*token)
		cfg.FunctionKey = ""
	} else {
		secret := strings.TrimSpace(*key)
		if secret == "" {
			fmt.Print("Function key: ")
			bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Print("\n")
			if err != nil {
				return fmt.Errorf("read function key: %w", err)
			}
			secret = strings.TrimSpace(string(bytes))
		}
		if secret == "" {
			return errors.New("function key is required")
		}
		cfg.FunctionKey = secret
		cfg.Token = ""
	}

	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := client.Health(ctx); err != nil {
		return fmt.Errorf("api unreachable at %s: %w", cfg.APIBaseURL, err)
	}
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("credentials stored")
	return nil
}

func commandHashKey(args []string) error {
	fs := flag.NewFlagSet("hash-key", flag.ExitOnError)
	key := fs.String("key", "", "Function key to hash (supply to avoid prompt)")
	fs.Parse(args)
	secret := strings.TrimSpace(*key)
	if secret == "" {
		fmt.Fprint(os.Stderr, "Function key: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprint(os.Stderr, "\n")
		if err != nil {
			return fmt.Errorf("read function key: %w", err)
		}
		secret = strings.TrimSpace(string(bytes))
	}
	if secret == "" {
		return errors.New("function key is required")
	}
	hash, err := crypto.HashKey(secret)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func commandToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	subject := fs.String("subject", "", "Caller name embedded in the token")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	fs.Parse(args)
	secret := os.Getenv("AUTH_JWT_SECRET")
	if secret == "" {
		return errors.New("AUTH_JWT_SECRET must be set")
	}
	token, err := jwt.GenerateToken(*subject, secret, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func newClient() (*apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	var opts []apiclient.Option
	if cfg.FunctionKey != "" {
		opts = append(opts, apiclient.WithFunctionKey(cfg.FunctionKey))
	}
	if cfg.Token != "" {
		opts = append(opts, apiclient.WithToken(cfg.Token))
	}
	return apiclient.New(cfg.APIBaseURL, opts...)
}

func printResult(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBase}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	if path := os.Getenv("PREVIEWCTL_CONFIG"); path != "" {
		return path, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "previewctl", "config.json"), nil
}

func printUsage() {
	fmt.Printf("previewctl %s\n\n", buildVersion)
	fmt.Print(`Usage:
	previewctl login [--api ` + defaultAPIBase + `] [--key function-key | --token jwt]
	previewctl provision --branch <branch>
	previewctl deploy --branch <branch> --commit <sha>
	previewctl deprovision --branch <branch>
	previewctl health
	previewctl hash-key [--key function-key]
	previewctl token --subject <caller> [--ttl 24h]
	previewctl version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
