package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/ffmpeg-jobs/pkg/config"
	tlsutil "github.com/psantana5/ffmpeg-jobs/pkg/tls"
)

// Version is set at build time
var Version = "dev"

var (
	cfgFile      string
	serverURL    string
	outputFormat string
	caFile       string
	insecure     bool

	// v holds service configuration: defaults, FFJOBS_* env and bound flags
	v = config.New()
)

var rootCmd = &cobra.Command{
	Use:          "ffjobs",
	Short:        "Asynchronous media conversion and download jobs",
	Long:         `ffjobs runs the media job service (serve) and talks to a running service to create and inspect jobs.`,
	Version:      Version,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and runs it
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "service URL (default $FFJOBS_SERVER or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table or json (config show: yaml or json)")
	rootCmd.PersistentFlags().StringVar(&caFile, "ca", "", "CA certificate used to verify an HTTPS service")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "skip TLS verification")
}

func initConfig() {
	_ = v.BindEnv("client.server", config.EnvPrefix+"_SERVER")
	if serverURL == "" {
		serverURL = v.GetString("client.server")
	}
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}
}

// GetServerURL returns the service URL without trailing slashes
func GetServerURL() string {
	return strings.TrimRight(serverURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

func httpClient() (*http.Client, error) {
	tlsConfig, err := tlsutil.ClientConfig(caFile, insecure)
	if err != nil {
		return nil, err
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig
	return &http.Client{Transport: transport, Timeout: 30 * time.Second}, nil
}

// apiError is a non-success response from the service
type apiError struct {
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// send performs one request and decodes the JSON body into out when the
// response code equals want
func send(req *http.Request, want int, out interface{}) error {
	client, err := httpClient()
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", GetServerURL(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != want {
		return &apiError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// callAPI sends payload as JSON (or no body when nil)
func callAPI(method, path string, payload interface{}, want int, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, GetServerURL()+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return send(req, want, out)
}

func printJSON(w io.Writer, v interface{}) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Fprintln(w, string(output))
	return nil
}
