package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/tryon/internal/httpapi"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagEnvFile          = "env-file"
	flagDatabaseURL      = "database-url"
	flagListenAddr       = "listen-addr"
	flagAllowedOrigins   = "allowed-origins"
	flagJWTSigningKey    = "jwt-signing-key"
	flagJWTIssuer        = "jwt-issuer"
	flagJWTCookieName    = "jwt-cookie-name"
	flagRequestTimeout   = "request-timeout"
	flagCostPerUnit      = "cost-per-unit"
	flagEditCost         = "edit-cost"
	flagCreditValueCents = "credit-value-cents"
	flagDisputeWindow    = "dispute-window-days"
	flagAdminUserIDs     = "admin-user-ids"
	flagGeminiAPIKey     = "gemini-api-key"
	flagGeminiModel      = "gemini-model"
	flagStorageEndpoint  = "storage-endpoint"
	flagStorageAccessKey = "storage-access-key"
	flagStorageSecretKey = "storage-secret-key"
	flagStorageBucket    = "storage-bucket"
	flagStorageUseSSL    = "storage-use-ssl"
	flagStoragePublicURL = "storage-public-url"
	flagUserID           = "user-id"
	flagAmount           = "amount"
	flagDescription      = "description"

	envPrefix          = "TRYOND"
	defaultDatabaseURL = "sqlite:///tmp/tryon.db"
	defaultEnvFile     = ".env"
)

var serveFlags = []string{
	flagDatabaseURL, flagListenAddr, flagAllowedOrigins, flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName,
	flagRequestTimeout, flagCostPerUnit, flagEditCost, flagCreditValueCents, flagDisputeWindow, flagAdminUserIDs,
	flagGeminiAPIKey, flagGeminiModel, flagStorageEndpoint, flagStorageAccessKey, flagStorageSecretKey,
	flagStorageBucket, flagStorageUseSSL, flagStoragePublicURL,
}

type serveConfig struct {
	DatabaseURL string
	HTTP        httpapi.Config
	Gemini      geminiConfig
	Storage     storageConfig
}

type geminiConfig struct {
	APIKey string
	Model  string
}

type storageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	PublicURL string
}

func (cfg storageConfig) enabled() bool {
	return strings.TrimSpace(cfg.Endpoint) != ""
}

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tryond: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &serveConfig{}
	cmd := &cobra.Command{
		Use:           "tryond",
		Short:         "Virtual try-on API with a credit ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadServeConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.PersistentFlags().String(flagEnvFile, defaultEnvFile, "optional dotenv file loaded before reading the environment")
	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "postgres:// or sqlite:// database URL")

	cmd.Flags().String(flagListenAddr, "", "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "", "expected JWT issuer")
	cmd.Flags().String(flagJWTCookieName, "", "JWT cookie name")
	cmd.Flags().Duration(flagRequestTimeout, 0, "per-request timeout (e.g. 2m)")
	cmd.Flags().Int64(flagCostPerUnit, 0, "credits charged per generated variant")
	cmd.Flags().Int64(flagEditCost, 0, "credits charged per image edit")
	cmd.Flags().Int64(flagCreditValueCents, 0, "value of one credit in cents, recorded on jobs")
	cmd.Flags().Int(flagDisputeWindow, 0, "days after creation during which an output can be disputed")
	cmd.Flags().String(flagAdminUserIDs, "", "comma-separated operator user ids")
	cmd.Flags().String(flagGeminiAPIKey, "", "Gemini API key (required)")
	cmd.Flags().String(flagGeminiModel, "", "Gemini image model")
	cmd.Flags().String(flagStorageEndpoint, "", "S3-compatible endpoint; outputs keep provider references when empty")
	cmd.Flags().String(flagStorageAccessKey, "", "object storage access key")
	cmd.Flags().String(flagStorageSecretKey, "", "object storage secret key")
	cmd.Flags().String(flagStorageBucket, "tryon-outputs", "object storage bucket")
	cmd.Flags().Bool(flagStorageUseSSL, false, "use TLS for object storage")
	cmd.Flags().String(flagStoragePublicURL, "", "public base URL for stored objects")

	cmd.AddCommand(newCreditsCommand())
	return cmd
}

func newViper(cmd *cobra.Command, flagNames ...string) (*viper.Viper, error) {
	envFile, _ := cmd.Flags().GetString(flagEnvFile)
	if strings.TrimSpace(envFile) != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, flagName := range flagNames {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func loadServeConfig(cmd *cobra.Command, cfg *serveConfig) error {
	v, err := newViper(cmd, serveFlags...)
	if err != nil {
		return err
	}

	cfg.DatabaseURL = defaultIfEmpty(strings.TrimSpace(v.GetString(flagDatabaseURL)), defaultDatabaseURL)
	cfg.HTTP = httpapi.Config{
		ListenAddr:        strings.TrimSpace(v.GetString(flagListenAddr)),
		AllowedOrigins:    httpapi.ParseList(v.GetString(flagAllowedOrigins)),
		SessionSigningKey: v.GetString(flagJWTSigningKey),
		SessionIssuer:     strings.TrimSpace(v.GetString(flagJWTIssuer)),
		SessionCookieName: strings.TrimSpace(v.GetString(flagJWTCookieName)),
		RequestTimeout:    v.GetDuration(flagRequestTimeout),
		CostPerUnit:       v.GetInt64(flagCostPerUnit),
		EditCost:          v.GetInt64(flagEditCost),
		CreditValueCents:  v.GetInt64(flagCreditValueCents),
		DisputeWindowDays: v.GetInt(flagDisputeWindow),
		AdminUserIDs:      httpapi.ParseList(v.GetString(flagAdminUserIDs)),
	}
	cfg.Gemini = geminiConfig{
		APIKey: strings.TrimSpace(v.GetString(flagGeminiAPIKey)),
		Model:  strings.TrimSpace(v.GetString(flagGeminiModel)),
	}
	cfg.Storage = storageConfig{
		Endpoint:  strings.TrimSpace(v.GetString(flagStorageEndpoint)),
		AccessKey: v.GetString(flagStorageAccessKey),
		SecretKey: v.GetString(flagStorageSecretKey),
		Bucket:    strings.TrimSpace(v.GetString(flagStorageBucket)),
		UseSSL:    v.GetBool(flagStorageUseSSL),
		PublicURL: strings.TrimSpace(v.GetString(flagStoragePublicURL)),
	}

	if cfg.Gemini.APIKey == "" {
		return fmt.Errorf("%s is required", flagGeminiAPIKey)
	}
	if cfg.Storage.enabled() && cfg.Storage.Bucket == "" {
		return fmt.Errorf("%s is required when %s is set", flagStorageBucket, flagStorageEndpoint)
	}
	return cfg.HTTP.Validate()
}

func defaultIfEmpty(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func unixClock() int64 {
	return time.Now().UTC().Unix()
}
