package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mochi-hpc/sonata/pkg/log"
	"github.com/mochi-hpc/sonata/pkg/metrics"
	"github.com/mochi-hpc/sonata/pkg/provider"
	"github.com/mochi-hpc/sonata/pkg/rpc"
)

// Manifest is the optional YAML file configuring the daemon's provider,
// including the bulk database list.
type Manifest struct {
	Address     string `yaml:"address,omitempty"`
	ProviderID  uint16 `yaml:"providerId,omitempty"`
	Token       string `yaml:"token,omitempty"`
	PoolSize    int    `yaml:"poolSize,omitempty"`
	MetricsAddr string `yaml:"metricsAddr,omitempty"`
	Databases   []struct {
		Name   string         `yaml:"name"`
		Type   string         `yaml:"type"`
		Mode   string         `yaml:"mode,omitempty"`
		Config map[string]any `yaml:"config,omitempty"`
	} `yaml:"databases,omitempty"`
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run a stand-alone provider",
	Long: `Run a stand-alone Sonata provider serving the RPC surface on one
address. Databases can be pre-created from a YAML manifest or created
later through the admin API.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringP("config", "f", "", "YAML manifest to load at startup")
	daemonCmd.Flags().String("metrics-addr", "", "Expose Prometheus metrics on this address")
	daemonCmd.Flags().Bool("generate-token", false, "Generate a random admin token and print it")
	daemonCmd.Flags().Int("pool-size", 0, "Number of handler workers (0 = default)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	address, _ := cmd.Flags().GetString("address")
	providerID, _ := cmd.Flags().GetUint16("provider-id")
	token, _ := cmd.Flags().GetString("token")
	manifestPath, _ := cmd.Flags().GetString("config")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	generateToken, _ := cmd.Flags().GetBool("generate-token")
	poolSize, _ := cmd.Flags().GetInt("pool-size")

	cfg := provider.Config{
		ProviderID: providerID,
		Token:      token,
		PoolSize:   poolSize,
	}

	if manifestPath != "" {
		manifest, err := loadManifest(manifestPath)
		if err != nil {
			return err
		}
		if manifest.Address != "" {
			address = manifest.Address
		}
		if manifest.ProviderID != 0 {
			cfg.ProviderID = manifest.ProviderID
		}
		if manifest.Token != "" {
			cfg.Token = manifest.Token
		}
		if manifest.PoolSize != 0 {
			cfg.PoolSize = manifest.PoolSize
		}
		if manifest.MetricsAddr != "" {
			metricsAddr = manifest.MetricsAddr
		}
		for _, db := range manifest.Databases {
			raw, err := yamlConfigToJSON(db.Config)
			if err != nil {
				return fmt.Errorf("database %s: %w", db.Name, err)
			}
			cfg.Databases = append(cfg.Databases, provider.DatabaseConfig{
				Name:   db.Name,
				Type:   db.Type,
				Mode:   db.Mode,
				Config: raw,
			})
		}
	}

	if generateToken && cfg.Token == "" {
		cfg.Token = uuid.NewString()
		fmt.Printf("Admin token: %s\n", cfg.Token)
	}

	engine, err := rpc.NewGRPCEngine(address)
	if err != nil {
		return err
	}
	defer engine.Close()

	p, err := provider.New(engine, cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				daemonLog := log.WithComponent("daemon")
				daemonLog.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	fmt.Printf("Provider %d serving at %s\n", p.ID(), engine.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")
	return nil
}

func loadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &manifest, nil
}

// yamlConfigToJSON re-encodes a manifest backend config as the JSON the
// backend factories expect.
func yamlConfigToJSON(config map[string]any) ([]byte, error) {
	if config == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(config)
}
