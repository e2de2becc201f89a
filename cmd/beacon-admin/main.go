package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// AdminConfig holds the minimal configuration needed to reach the
// admin API.
type AdminConfig struct {
	API struct {
		Addr   string `toml:"addr"`
		APIKey string `toml:"api_key"`
		TLS    bool   `toml:"tls"`
	} `toml:"api"`
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "list-connections":
		handleListConnections()
	case "stats":
		handleStats()
	case "kick":
		handleKick()
	case "revoke-session":
		handleRevokeSession()
	case "revoke-user":
		handleRevokeUser()
	case "alert":
		handleAlert()
	case "health":
		handleHealth()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`BEACON Admin Tool

Usage:
  beacon-admin <command> [options]

Commands:
  list-connections  List live connections, optionally for one user
  stats             Show connection and channel statistics
  kick              Disconnect every connection on a channel
  revoke-session    Revoke a session and notify its tabs
  revoke-user       Revoke every session of a user
  alert             Emit a security alert on a channel
  health            Show server health
  help              Show this help message

Examples:
  beacon-admin list-connections --user u123
  beacon-admin kick --channel session:s456
  beacon-admin revoke-session --session s456
  beacon-admin alert --channel user:u123 --detail "password changed"
  beacon-admin stats --url http://localhost:8744 --key secret

Use 'beacon-admin <command> --help' for more information about a command.
`)
}

// adminFlags are the connection options every subcommand shares.
type adminFlags struct {
	configPath *string
	url        *string
	key        *string
}

func newAdminFlags(fs *flag.FlagSet) adminFlags {
	return adminFlags{
		configPath: fs.String("config", "config.toml", "Path to TOML configuration file"),
		url:        fs.String("url", "", "Admin API base URL (overrides config)"),
		key:        fs.String("key", "", "Admin API bearer key (overrides config)"),
	}
}

// resolve merges flags over the config file and returns the base URL
// and API key.
func (a adminFlags) resolve() (string, string) {
	var cfg AdminConfig
	if _, err := toml.DecodeFile(*a.configPath, &cfg); err != nil && !os.IsNotExist(err) {
		fmt.Printf("Error parsing configuration file '%s': %v\n", *a.configPath, err)
		os.Exit(1)
	}

	url := *a.url
	if url == "" && cfg.API.Addr != "" {
		scheme := "http"
		if cfg.API.TLS {
			scheme = "https"
		}
		addr := cfg.API.Addr
		if strings.HasPrefix(addr, ":") {
			addr = "localhost" + addr
		}
		url = scheme + "://" + addr
	}
	if url == "" {
		url = "http://localhost:8744"
	}

	key := *a.key
	if key == "" {
		key = cfg.API.APIKey
	}
	if key == "" {
		fmt.Println("Error: no API key provided (use --key or api.api_key in the config file)")
		os.Exit(1)
	}
	return strings.TrimSuffix(url, "/"), key
}

func call(method, url, key string, body any) []byte {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			fmt.Printf("Error encoding request: %v\n", err)
			os.Exit(1)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		fmt.Printf("Error building request: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Printf("Error calling admin API: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Printf("Error reading response: %v\n", err)
		os.Exit(1)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		fmt.Printf("Admin API returned %d: %s\n", resp.StatusCode, strings.TrimSpace(string(data)))
		os.Exit(1)
	}
	return data
}

func printJSON(data []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(buf.String())
}

func handleListConnections() {
	fs := flag.NewFlagSet("list-connections", flag.ExitOnError)
	a := newAdminFlags(fs)
	user := fs.String("user", "", "Only list connections of this user")
	fs.Parse(os.Args[2:])

	url, key := a.resolve()
	endpoint := url + "/api/v1/admin/connections"
	if *user != "" {
		endpoint += "?user_id=" + *user
	}
	printJSON(call(http.MethodGet, endpoint, key, nil))
}

func handleStats() {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	a := newAdminFlags(fs)
	fs.Parse(os.Args[2:])

	url, key := a.resolve()
	printJSON(call(http.MethodGet, url+"/api/v1/admin/connections/stats", key, nil))
}

func handleKick() {
	fs := flag.NewFlagSet("kick", flag.ExitOnError)
	a := newAdminFlags(fs)
	channel := fs.String("channel", "", "Channel to disconnect, as type:key (required)")
	fs.Parse(os.Args[2:])

	typ, keyPart, ok := splitChannel(*channel)
	if !ok {
		fmt.Println("Error: --channel must look like session:s456")
		fs.Usage()
		os.Exit(1)
	}

	url, key := a.resolve()
	printJSON(call(http.MethodPost, url+"/api/v1/admin/connections/kick", key, map[string]string{
		"channel_type": typ,
		"channel_key":  keyPart,
	}))
}

func handleRevokeSession() {
	fs := flag.NewFlagSet("revoke-session", flag.ExitOnError)
	a := newAdminFlags(fs)
	session := fs.String("session", "", "Session id to revoke (required)")
	fs.Parse(os.Args[2:])

	if *session == "" {
		fmt.Println("Error: --session is required")
		fs.Usage()
		os.Exit(1)
	}

	url, key := a.resolve()
	printJSON(call(http.MethodPost, url+"/api/v1/admin/sessions/"+*session+"/revoke", key, nil))
}

func handleRevokeUser() {
	fs := flag.NewFlagSet("revoke-user", flag.ExitOnError)
	a := newAdminFlags(fs)
	user := fs.String("user", "", "User id to revoke (required)")
	fs.Parse(os.Args[2:])

	if *user == "" {
		fmt.Println("Error: --user is required")
		fs.Usage()
		os.Exit(1)
	}

	url, key := a.resolve()
	printJSON(call(http.MethodPost, url+"/api/v1/admin/users/"+*user+"/revoke", key, nil))
}

func handleAlert() {
	fs := flag.NewFlagSet("alert", flag.ExitOnError)
	a := newAdminFlags(fs)
	channel := fs.String("channel", "", "Target channel, as type:key (required)")
	detail := fs.String("detail", "", "Human-readable alert detail")
	fs.Parse(os.Args[2:])

	typ, keyPart, ok := splitChannel(*channel)
	if !ok {
		fmt.Println("Error: --channel must look like user:u123")
		fs.Usage()
		os.Exit(1)
	}

	url, key := a.resolve()
	printJSON(call(http.MethodPost, url+"/api/v1/admin/alerts", key, map[string]string{
		"channel_type": typ,
		"channel_key":  keyPart,
		"detail":       *detail,
	}))
}

func handleHealth() {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	a := newAdminFlags(fs)
	fs.Parse(os.Args[2:])

	url, _ := a.resolve()
	resp, err := http.Get(url + "/healthz")
	if err != nil {
		fmt.Printf("Error calling health endpoint: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Printf("Error reading response: %v\n", err)
		os.Exit(1)
	}
	printJSON(data)
}

func splitChannel(s string) (string, string, bool) {
	typ, key, ok := strings.Cut(s, ":")
	if !ok || typ == "" || key == "" {
		return "", "", false
	}
	return typ, key, ok
}
