// guestmail-admin is the operator tool for the guestmail service:
// initial setup, token and account management, one-shot pruning and
// store migration.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/guestmail/guestmail/config"
	"github.com/guestmail/guestmail/lifecycle"
	"github.com/guestmail/guestmail/mailcow"
	"github.com/guestmail/guestmail/pruner"
	"github.com/guestmail/guestmail/store"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "setup":
		handleSetup()
	case "add-token":
		handleAddToken()
	case "mod-token":
		handleModToken()
	case "del-token":
		handleDelToken()
	case "list-tokens":
		handleListTokens()
	case "add-user":
		handleAddUser()
	case "del-user":
		handleDelUser()
	case "list-users":
		handleListUsers()
	case "prune":
		handlePrune()
	case "migrate":
		handleMigrate()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`guestmail admin tool

Usage:
  guestmail-admin <command> [options]

Commands:
  setup        Initialize the store with domain and provider settings
  add-token    Create an account-creation token
  mod-token    Modify a token's expiry, prefix or use ceiling
  del-token    Delete a token
  list-tokens  List all tokens with their creation URLs
  add-user     Create an account under a token
  del-user     Delete an account
  list-users   List accounts, reconciled against the provider
  prune        Run expiry, inactivity and warning scans once
  migrate      Upgrade a legacy store file in place
  help         Show this help message

Examples:
  guestmail-admin setup --domain guests.example.org --web https://guests.example.org/new_email
  guestmail-admin add-token --name oneweek --expiry 1w --maxuse 50 --prefix tmp.
  guestmail-admin add-user --token oneweek
  guestmail-admin list-users --token oneweek
  guestmail-admin prune

Use 'guestmail-admin <command> --help' for more information about a command.
`)
}

// loadConfig reads the configuration, tolerating a missing default
// file so pure flag-driven invocations keep working.
func loadConfig(fs *flag.FlagSet, configPath string) config.Config {
	cfg := config.NewDefaultConfig()
	if _, err := toml.DecodeFile(configPath, &cfg); err != nil {
		if os.IsNotExist(err) {
			if isFlagSet(fs, "config") {
				log.Fatalf("ERROR: specified configuration file '%s' not found: %v", configPath, err)
			}
			log.Printf("WARNING: default configuration file '%s' not found, using defaults and flags", configPath)
		} else {
			log.Fatalf("FATAL: error parsing configuration file '%s': %v", configPath, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("FATAL: invalid configuration: %v", err)
	}
	return cfg
}

func isFlagSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func openStore(ctx context.Context, cfg config.Config, dbPath string) *store.Store {
	path := cfg.Database.Path
	if dbPath != "" {
		path = dbPath
	}
	st, err := store.Open(ctx, path, &store.Options{
		LockRetry:   cfg.Database.LockRetryDuration(),
		LockTimeout: cfg.Database.LockTimeoutDuration(),
	})
	if err != nil {
		log.Fatalf("Failed to open store %s: %v", path, err)
	}
	return st
}

func buildRemote(ctx context.Context, cfg config.Config, st *store.Store) *mailcow.Client {
	endpoint := cfg.Mailcow.Endpoint
	apiKey := cfg.Mailcow.APIKey
	if endpoint == "" {
		err := st.WithRead(ctx, func(sess *store.Session) error {
			settings, err := sess.Settings(ctx)
			if err != nil {
				return err
			}
			endpoint = settings.MailcowEndpoint
			apiKey = settings.MailcowToken
			return nil
		})
		if err != nil {
			log.Fatalf("No mailcow endpoint configured and none stored: %v", err)
		}
	}
	client, err := mailcow.New(mailcow.Options{
		Endpoint: endpoint,
		APIKey:   apiKey,
		Timeout:  cfg.Mailcow.TimeoutDuration(),
	})
	if err != nil {
		log.Fatalf("Failed to create mailcow client: %v", err)
	}
	return client
}

func newEngine(cfg config.Config, st *store.Store, remote lifecycle.Remote) *lifecycle.Manager {
	return lifecycle.New(st, remote, lifecycle.Policy{
		SoftExpiryMinTTL:       cfg.Lifecycle.SoftExpiryMinTTLSeconds(),
		SoftExpiryIdleFraction: cfg.Lifecycle.SoftExpiryIdle,
		CreateRetries:          cfg.Lifecycle.CreateRetries,
		MailboxTag:             cfg.Mailcow.Tag,
	})
}

func handleSetup() {
	fs := flag.NewFlagSet("setup", flag.ExitOnError)
	configPath := fs.String("config", "guestmail.toml", "Path to TOML configuration file")
	dbPath := fs.String("db", "", "Store file path (overrides config)")
	domain := fs.String("domain", "", "Mail domain for issued addresses (required)")
	web := fs.String("web", "", "Externally visible account-creation URL")
	mailcowEndpoint := fs.String("mailcow-endpoint", "", "Mailcow API base URL")
	mailcowToken := fs.String("mailcow-token", "", "Mailcow API key")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}
	if *domain == "" {
		fmt.Printf("Error: --domain is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(fs, *configPath)
	ctx := context.Background()
	st := openStore(ctx, cfg, *dbPath)
	defer st.Close()

	err := st.WithWrite(ctx, func(sess *store.Session) error {
		return sess.InitSettings(ctx, store.Settings{
			MailDomain:      *domain,
			WebEndpoint:     *web,
			MailcowEndpoint: *mailcowEndpoint,
			MailcowToken:    *mailcowToken,
		})
	})
	if err != nil {
		log.Fatalf("Setup failed: %v", err)
	}
	fmt.Printf("Store initialized for domain %s\n", *domain)
}

func handleAddToken() {
	fs := flag.NewFlagSet("add-token", flag.ExitOnError)
	configPath := fs.String("config", "guestmail.toml", "Path to TOML configuration file")
	dbPath := fs.String("db", "", "Store file path (overrides config)")
	name := fs.String("name", "", "Token name (required)")
	secret := fs.String("secret", "", "Token secret (generated when empty)")
	expiryCode := fs.String("expiry", "1d", "Account lifetime, e.g. 1d, 1w, never")
	prefix := fs.String("prefix", "tmp.", "Prefix for synthesized addresses")
	maxUse := fs.Int64("maxuse", 50, "How many accounts the token may create")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}
	if *name == "" {
		fmt.Printf("Error: --name is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(fs, *configPath)
	ctx := context.Background()
	st := openStore(ctx, cfg, *dbPath)
	defer st.Close()
	engine := newEngine(cfg, st, nil)

	tok, err := engine.CreateToken(ctx, *name, *secret, *expiryCode, *prefix, *maxUse)
	if err != nil {
		log.Fatalf("Failed to add token: %v", err)
	}
	printToken(ctx, engine, tok)
}

func handleModToken() {
	fs := flag.NewFlagSet("mod-token", flag.ExitOnError)
	configPath := fs.String("config", "guestmail.toml", "Path to TOML configuration file")
	dbPath := fs.String("db", "", "Store file path (overrides config)")
	name := fs.String("name", "", "Token name (required)")
	expiryCode := fs.String("expiry", "", "New account lifetime")
	prefix := fs.String("prefix", "", "New address prefix")
	maxUse := fs.Int64("maxuse", 0, "New use ceiling")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}
	if *name == "" {
		fmt.Printf("Error: --name is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	var upd store.TokenUpdate
	if isFlagSet(fs, "expiry") {
		upd.Expiry = expiryCode
	}
	if isFlagSet(fs, "prefix") {
		upd.Prefix = prefix
	}
	if isFlagSet(fs, "maxuse") {
		upd.MaxUse = maxUse
	}

	cfg := loadConfig(fs, *configPath)
	ctx := context.Background()
	st := openStore(ctx, cfg, *dbPath)
	defer st.Close()
	engine := newEngine(cfg, st, nil)

	tok, err := engine.ModifyToken(ctx, *name, upd)
	if err != nil {
		log.Fatalf("Failed to modify token: %v", err)
	}
	printToken(ctx, engine, tok)
}

func handleDelToken() {
	fs := flag.NewFlagSet("del-token", flag.ExitOnError)
	configPath := fs.String("config", "guestmail.toml", "Path to TOML configuration file")
	dbPath := fs.String("db", "", "Store file path (overrides config)")
	name := fs.String("name", "", "Token name (required)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}
	if *name == "" {
		fmt.Printf("Error: --name is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(fs, *configPath)
	ctx := context.Background()
	st := openStore(ctx, cfg, *dbPath)
	defer st.Close()
	engine := newEngine(cfg, st, nil)

	if err := engine.DeleteToken(ctx, *name); err != nil {
		log.Fatalf("Failed to delete token: %v", err)
	}
	fmt.Printf("Token %s deleted. Existing accounts stay valid.\n", *name)
}

func handleListTokens() {
	fs := flag.NewFlagSet("list-tokens", flag.ExitOnError)
	configPath := fs.String("config", "guestmail.toml", "Path to TOML configuration file")
	dbPath := fs.String("db", "", "Store file path (overrides config)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	cfg := loadConfig(fs, *configPath)
	ctx := context.Background()
	st := openStore(ctx, cfg, *dbPath)
	defer st.Close()
	engine := newEngine(cfg, st, nil)

	tokens, err := engine.ListTokens(ctx)
	if err != nil {
		log.Fatalf("Failed to list tokens: %v", err)
	}
	if len(tokens) == 0 {
		fmt.Println("No tokens. Create one with 'guestmail-admin add-token'.")
		return
	}
	for _, tok := range tokens {
		printToken(ctx, engine, tok)
		fmt.Println()
	}
}

func printToken(ctx context.Context, engine *lifecycle.Manager, tok store.Token) {
	fmt.Printf("token: %s\n", tok.Name)
	fmt.Printf("  secret: %s\n", tok.Secret)
	fmt.Printf("  expiry: %s\n", tok.Expiry)
	fmt.Printf("  prefix: %s\n", tok.Prefix)
	fmt.Printf("  usage:  %d of %d\n", tok.UseCount, tok.MaxUse)
	settings, err := engine.Settings(ctx)
	if err != nil || settings.WebEndpoint == "" {
		return
	}
	fmt.Printf("  url:    %s\n", lifecycle.TokenWebURL(settings, tok))
	fmt.Printf("  qr:     %s\n", lifecycle.TokenQRData(settings, tok))
}

func handleAddUser() {
	fs := flag.NewFlagSet("add-user", flag.ExitOnError)
	configPath := fs.String("config", "guestmail.toml", "Path to TOML configuration file")
	dbPath := fs.String("db", "", "Store file path (overrides config)")
	token := fs.String("token", "", "Token name to create the account under (required)")
	addr := fs.String("addr", "", "Explicit address (synthesized when empty)")
	password := fs.String("password", "", "Password (generated when empty)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}
	if *token == "" {
		fmt.Printf("Error: --token is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(fs, *configPath)
	ctx := context.Background()
	st := openStore(ctx, cfg, *dbPath)
	defer st.Close()
	engine := newEngine(cfg, st, buildRemote(ctx, cfg, st))

	created, err := engine.CreateAccount(ctx, *token, *addr, *password)
	if err != nil {
		log.Fatalf("Failed to create account: %v", err)
	}
	fmt.Printf("email:    %s\n", created.Account.Addr)
	fmt.Printf("password: %s\n", created.Password)
	fmt.Printf("expires:  %s\n", formatExpiry(created.Account.ExpiresAt()))
}

func handleDelUser() {
	fs := flag.NewFlagSet("del-user", flag.ExitOnError)
	configPath := fs.String("config", "guestmail.toml", "Path to TOML configuration file")
	dbPath := fs.String("db", "", "Store file path (overrides config)")
	addr := fs.String("addr", "", "Address to delete (required)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}
	if *addr == "" {
		fmt.Printf("Error: --addr is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(fs, *configPath)
	ctx := context.Background()
	st := openStore(ctx, cfg, *dbPath)
	defer st.Close()
	engine := newEngine(cfg, st, buildRemote(ctx, cfg, st))

	if err := engine.DeleteAccount(ctx, *addr, "admin"); err != nil {
		log.Fatalf("Failed to delete account: %v", err)
	}
	fmt.Printf("Account %s deleted\n", *addr)
}

func handleListUsers() {
	fs := flag.NewFlagSet("list-users", flag.ExitOnError)
	configPath := fs.String("config", "guestmail.toml", "Path to TOML configuration file")
	dbPath := fs.String("db", "", "Store file path (overrides config)")
	token := fs.String("token", "", "Only accounts created under this token")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	cfg := loadConfig(fs, *configPath)
	ctx := context.Background()
	st := openStore(ctx, cfg, *dbPath)
	defer st.Close()
	engine := newEngine(cfg, st, buildRemote(ctx, cfg, st))

	entries, err := engine.ListAccounts(ctx, *token)
	if err != nil {
		log.Fatalf("Failed to list accounts: %v", err)
	}
	for _, e := range entries {
		switch {
		case e.UnknownOrigin:
			fmt.Printf("%s [unknown origin]\n", e.Addr)
		case e.MissingRemote:
			fmt.Printf("%s token=%s expires=%s [mailbox missing]\n",
				e.Addr, e.TokenName, formatExpiry(e.ExpiresAt()))
		default:
			fmt.Printf("%s token=%s expires=%s last_login=%s\n",
				e.Addr, e.TokenName, formatExpiry(e.ExpiresAt()), formatLogin(e.LastLogin))
		}
	}
}

func handlePrune() {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	configPath := fs.String("config", "guestmail.toml", "Path to TOML configuration file")
	dbPath := fs.String("db", "", "Store file path (overrides config)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	cfg := loadConfig(fs, *configPath)
	ctx := context.Background()
	st := openStore(ctx, cfg, *dbPath)
	defer st.Close()
	engine := newEngine(cfg, st, buildRemote(ctx, cfg, st))

	worker := pruner.New(engine, nil, cfg.Pruner.IntervalDuration())
	if err := worker.RunOnce(ctx); err != nil {
		log.Fatalf("Prune finished with errors: %v", err)
	}
	fmt.Println("Prune finished")
}

func handleMigrate() {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "guestmail.toml", "Path to TOML configuration file")
	dbPath := fs.String("db", "", "Store file path (overrides config)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	cfg := loadConfig(fs, *configPath)
	path := cfg.Database.Path
	if *dbPath != "" {
		path = *dbPath
	}

	ctx := context.Background()
	if err := store.Migrate(ctx, path, &store.Options{
		LockRetry:   cfg.Database.LockRetryDuration(),
		LockTimeout: cfg.Database.LockTimeoutDuration(),
	}); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	fmt.Printf("Store %s migrated\n", path)
}

func formatExpiry(at int64) string {
	if at >= int64(1)<<62 {
		return "never"
	}
	return time.Unix(at, 0).UTC().Format(time.RFC3339)
}

func formatLogin(at int64) string {
	if at == 0 {
		return "never"
	}
	return time.Unix(at, 0).UTC().Format(time.RFC3339)
}
