package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"waymirror/internal/config"
	"waymirror/internal/logger"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage waymirror configuration",
	Long:  `View and manage waymirror configuration settings.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the current waymirror configuration.`,
	Example: `  # Show configuration as YAML (default)
  waymirror config show

  # Show configuration as JSON
  waymirror config show --format json`,
	RunE: runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a configuration value",
	Long:  `Set a specific configuration value.`,
	Example: `  # Set the capture rate
  waymirror config set fps 60

  # Mirror two specific outputs
  waymirror config set outputs DP-1,HDMI-A-1

  # Set log level
  waymirror config set log_level debug`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Get a configuration value",
	Long:  `Get a specific configuration value.`,
	Example: `  # Get the capture rate
  waymirror config get fps

  # Get the selected backend
  waymirror config get backend`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigGet,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show configuration file path",
	Long:  `Display the path to the configuration file.`,
	RunE:  runConfigPath,
}

var formatFlag string

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configPathCmd)

	configShowCmd.Flags().StringVarP(&formatFlag, "format", "f", "yaml", "output format (yaml or json)")
}

func loadConfigManager() (*config.Manager, error) {
	// Keep routine logging out of command output
	logger.Init("warn", true)

	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return configMgr, nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfigManager()
	if err != nil {
		return err
	}

	cfg := configMgr.Get()

	switch formatFlag {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(cfg)
	case "yaml":
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		return encoder.Encode(cfg)
	default:
		return fmt.Errorf("unsupported format: %s (use 'yaml' or 'json')", formatFlag)
	}
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	value := args[1]

	configMgr, err := loadConfigManager()
	if err != nil {
		return err
	}

	switch key {
	case "server_port":
		var port int
		if _, err := fmt.Sscanf(value, "%d", &port); err != nil {
			return fmt.Errorf("invalid port number: %s", value)
		}
		if err := configMgr.SetPort(port); err != nil {
			return err
		}
	case "log_level":
		if err := configMgr.SetLogLevel(value); err != nil {
			return err
		}
	case "backend":
		if err := configMgr.SetBackend(config.Backend(value)); err != nil {
			return err
		}
	case "socket":
		if err := configMgr.SetSocket(value); err != nil {
			return err
		}
	case "fps":
		var fps int
		if _, err := fmt.Sscanf(value, "%d", &fps); err != nil {
			return fmt.Errorf("invalid fps: %s", value)
		}
		if err := configMgr.SetFPS(fps); err != nil {
			return err
		}
	case "outputs":
		outputs := []string{}
		if value != "" {
			outputs = strings.Split(value, ",")
		}
		if err := configMgr.SetOutputs(outputs); err != nil {
			return err
		}
	case "render_cursors", "prefer_dmabuf", "clipboard":
		var enabled bool
		if _, err := fmt.Sscanf(value, "%t", &enabled); err != nil {
			return fmt.Errorf("invalid boolean: %s (use: true or false)", value)
		}
		cfg := configMgr.Get()
		switch key {
		case "render_cursors":
			cfg.RenderCursors = enabled
		case "prefer_dmabuf":
			cfg.PreferDmabuf = enabled
		case "clipboard":
			cfg.Clipboard = enabled
		}
		if err := configMgr.Update(cfg); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}

	fmt.Printf("Configuration updated: %s = %s\n", key, value)
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	configMgr, err := loadConfigManager()
	if err != nil {
		return err
	}

	cfg := configMgr.Get()
	switch key {
	case "socket":
		fmt.Println(cfg.Socket)
	case "backend":
		fmt.Println(cfg.Backend)
	case "outputs":
		fmt.Println(strings.Join(cfg.Outputs, ","))
	case "fps":
		fmt.Println(cfg.FPS)
	case "render_cursors":
		fmt.Println(cfg.RenderCursors)
	case "prefer_dmabuf":
		fmt.Println(cfg.PreferDmabuf)
	case "clipboard":
		fmt.Println(cfg.Clipboard)
	case "server_port":
		fmt.Println(cfg.ServerPort)
	case "log_level":
		fmt.Println(cfg.LogLevel)
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfigManager()
	if err != nil {
		return err
	}

	fmt.Println(configMgr.GetConfigPath())
	return nil
}
