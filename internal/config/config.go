package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/udisondev/ttdnet/internal/constants"
)

// Server holds all configuration for the dedicated game server.
type Server struct {
	// Network
	BindAddresses []string `yaml:"bind_addresses"`
	Port          int      `yaml:"port"`
	MetricsAddr   string   `yaml:"metrics_addr"`
	LogLevel      string   `yaml:"log_level"`

	// Identity
	ServerName       string `yaml:"server_name"`
	GameType         string `yaml:"game_type"` // local, public, invite-only
	InviteCode       string `yaml:"invite_code"`
	InviteCodeSecret string `yaml:"invite_code_secret"`

	// Access
	ServerPassword string   `yaml:"server_password"`
	RConPassword   string   `yaml:"rcon_password"`
	AuthorizedKeys []string `yaml:"authorized_keys"`
	BanList        []string `yaml:"ban_list"`
	MaxClients     int      `yaml:"max_clients"`
	MaxCompanies   int      `yaml:"max_companies"`

	// Lockstep
	FrameFrequency int `yaml:"frame_frequency"` // ticks between frame packets
	SyncFrequency  int `yaml:"sync_frequency"`  // ticks between sync packets

	// Timeouts, in ticks
	MaxJoinTime     int `yaml:"max_join_time"`
	MaxDownloadTime int `yaml:"max_download_time"`
	MaxLagTime      int `yaml:"max_lag_time"`

	// Flood protection
	MaxCommandsInQueue int `yaml:"max_commands_in_queue"`
	CommandsPerFrame   int `yaml:"commands_per_frame"`
	BytesPerFrame      int `yaml:"bytes_per_frame"`
	BytesPerFrameBurst int `yaml:"bytes_per_frame_burst"`

	// Map served to joining clients
	MapFile   string `yaml:"map_file"`
	MapWidth  int    `yaml:"map_width"`
	MapHeight int    `yaml:"map_height"`
	Landscape int    `yaml:"landscape"`

	// TickInterval overrides the game tick duration (milliseconds)
	TickInterval int `yaml:"tick_interval"`

	// Survey sends the usage survey when the server exits
	Survey bool `yaml:"survey"`
}

// DefaultServer returns Server config with sensible defaults.
func DefaultServer() Server {
	return Server{
		BindAddresses:      nil,
		Port:               constants.DefaultPort,
		MetricsAddr:        "127.0.0.1:9120",
		LogLevel:           "info",
		ServerName:         "Unnamed Server",
		GameType:           "local",
		MaxClients:         25,
		MaxCompanies:       constants.MaxCompanies,
		FrameFrequency:     0,
		SyncFrequency:      100,
		MaxJoinTime:        500,
		MaxDownloadTime:    1000,
		MaxLagTime:         500,
		MaxCommandsInQueue: 16,
		CommandsPerFrame:   2,
		BytesPerFrame:      8,
		BytesPerFrameBurst: 256,
		MapWidth:           256,
		MapHeight:          256,
		TickInterval:       constants.MillisecondsPerTick,
	}
}

// LoadServer loads game server config from a YAML file.
// If the file doesn't exist, returns defaults.
func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()
	if err := load(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ContentServer holds configuration of the content server.
type ContentServer struct {
	BindAddress string         `yaml:"bind_address"`
	Port        int            `yaml:"port"`
	MetricsAddr string         `yaml:"metrics_addr"`
	LogLevel    string         `yaml:"log_level"`
	ContentDir  string         `yaml:"content_dir"`
	Database    DatabaseConfig `yaml:"database"`
}

// DefaultContentServer returns ContentServer config with sensible defaults.
func DefaultContentServer() ContentServer {
	return ContentServer{
		BindAddress: "",
		Port:        constants.ContentServerPort,
		MetricsAddr: "127.0.0.1:9121",
		LogLevel:    "info",
		ContentDir:  "content",
		Database: DatabaseConfig{
			Driver:   "sqlite",
			Path:     "content.db",
			Host:     "127.0.0.1",
			Port:     5432,
			User:     "ttdnet",
			Password: "ttdnet",
			DBName:   "ttdnet",
			SSLMode:  "disable",
		},
	}
}

// LoadContentServer loads content server config from a YAML file.
func LoadContentServer(path string) (ContentServer, error) {
	cfg := DefaultContentServer()
	if err := load(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Client holds configuration of a player's client.
type Client struct {
	PlayerName  string `yaml:"player_name"`
	SecretKey   string `yaml:"secret_key"` // hex, empty generates a key per session
	DownloadDir string `yaml:"download_dir"`
	LogLevel    string `yaml:"log_level"`
}

// DefaultClient returns Client config with sensible defaults.
func DefaultClient() Client {
	return Client{
		PlayerName:  "Player",
		DownloadDir: "content_download",
		LogLevel:    "info",
	}
}

// LoadClient loads client config from a YAML file.
func LoadClient(path string) (Client, error) {
	cfg := DefaultClient()
	if err := load(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// DatabaseConfig holds catalogue database connection parameters.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // sqlite or postgres
	Path     string `yaml:"path"`   // sqlite file
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

// ParseLogLevel maps a config level name to slog.Level. Unknown names mean info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func load(path string, cfg any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}
