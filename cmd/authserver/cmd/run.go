package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/keyward/authserver/pkg/authzserver"
	"github.com/keyward/authserver/pkg/nonce"
	"github.com/keyward/authserver/pkg/uma"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/valkey-io/valkey-go"
	"gopkg.in/yaml.v3"
)

func init() {
	runCmd.Flags().StringP("addr", "a", ":8080", "Address to listen on")
	viper.BindPFlag("addr", runCmd.Flags().Lookup("addr"))
	runCmd.Flags().String("valkey-address", "", "Valkey address for distributed code/ticket stores")
	viper.BindPFlag("valkey_address", runCmd.Flags().Lookup("valkey-address"))
	rootCmd.AddCommand(runCmd)
}

// serverConfig is the full YAML document: the OAuth2 server section inline
// plus the UMA section.
type serverConfig struct {
	authzserver.Config `yaml:",inline"`
	UMA                uma.Config `yaml:"uma"`
}

func loadServerConfig(filename string) (*serverConfig, error) {
	cfg := new(serverConfig)
	yamlFile, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file '%s': %w", filename, err)
	}
	if err := yaml.Unmarshal(yamlFile, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config file '%s': %w", filename, err)
	}

	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return fld.Tag.Get("yaml")
	})
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config file '%s': %w", filename, err)
	}

	return cfg, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the authorization server",
	Run: func(cmd *cobra.Command, args []string) {
		configFile := expandHome(viper.GetString("config_file"))
		if configFile == "" {
			cobra.CheckErr("config file is required. Use --config-file/-f flag or environment variable")
		}
		cfg, err := loadServerConfig(configFile)
		if err != nil {
			slog.Error("Failed to load config file", "error", err)
			os.Exit(1)
		}

		var opts []authzserver.Option
		var ticketStore uma.TicketStore = uma.NewMemoryTicketStore()
		if valkeyAddress := viper.GetString("valkey_address"); valkeyAddress != "" {
			valkeyClient, err := valkey.NewClient(valkey.ClientOption{
				InitAddress: []string{valkeyAddress},
			})
			if err != nil {
				slog.Error("Failed to connect to Valkey", "error", err, "address", valkeyAddress)
				os.Exit(1)
			}
			opts = append(opts,
				authzserver.WithStores(authzserver.NewValkeyCodeStore(valkeyClient), authzserver.NewMemoryTokenStore()),
				authzserver.WithReplayGuard(nonce.NewValkeyReplayGuard(valkeyClient, "replay:")),
			)
			ticketStore = uma.NewValkeyTicketStore(valkeyClient)
			slog.Info("using valkey-backed stores", "address", valkeyAddress)
		}

		server, err := authzserver.NewServer(cfg.Config, opts...)
		if err != nil {
			slog.Error("Failed to create authorization server", "error", err)
			os.Exit(1)
		}

		registry := cfg.UMA.Registry()
		consents, err := cfg.UMA.ConsentStore()
		if err != nil {
			slog.Error("Failed to seed consent store", "error", err)
			os.Exit(1)
		}
		tickets := uma.NewTicketService(registry, ticketStore, cfg.UMA.TicketTTL)
		policyEngine := uma.NewPolicyEngine(registry, consents, server.Engine())
		umaService := uma.NewService(tickets, policyEngine, server.TokenFactory(), server.Tokens())
		umaService.RegisterGrant(server.Dispatcher())
		umaHandlers := uma.NewHandlers(tickets, server.Authenticator())

		e := echo.New()
		e.Use(middleware.Recover())

		root := e.Group("")
		server.MountRoutes(root)
		umaHandlers.MountRoutes(root, server.Endpoints().Permission)

		addr := viper.GetString("addr")
		slog.Info("starting authorization server", "issuer", cfg.Issuer, "addr", addr)
		e.Logger.Fatal(e.Start(addr))
	},
}
