package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/urfave/cli/v3"
)

// DoctorCommand returns the CLI command definition for the 'doctor' subcommand.
// This command runs diagnostic checks to verify waterfall is properly configured.
func DoctorCommand(version string) *cli.Command {
	return &cli.Command{
		Name:  "doctor",
		Usage: "Diagnose common setup and configuration issues",
		Description: `Run checks to verify waterfall is properly configured.

This command checks:
  - Binary location and permissions
  - waterfall config files (global and project)
  - Watched directories and collector config
  - MCP configuration file
  - Optional dependencies (otelcol-contrib)

Exit codes:
  0 - All critical checks passed
  1 - One or more issues found`,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runDoctor(version)
		},
	}
}

type checkResult struct {
	Name       string
	Status     string // "pass", "warn", "fail"
	Message    string
	Suggestion string
	IsCritical bool
}

type fsUtils interface {
	Executable() (string, error)
	Stat(name string) (os.FileInfo, error)
	ReadFile(name string) ([]byte, error)
	UserHomeDir() (string, error)
	Getwd() (string, error)
	LookPath(file string) (string, error)
}

type realFsUtils struct{}

func (r *realFsUtils) Executable() (string, error)           { return os.Executable() }
func (r *realFsUtils) Stat(name string) (os.FileInfo, error) { return os.Stat(name) }
func (r *realFsUtils) ReadFile(name string) ([]byte, error)  { return os.ReadFile(name) }
func (r *realFsUtils) UserHomeDir() (string, error)          { return os.UserHomeDir() }
func (r *realFsUtils) Getwd() (string, error)                { return os.Getwd() }
func (r *realFsUtils) LookPath(file string) (string, error)  { return exec.LookPath(file) }

func runDoctor(version string) error {
	return runDoctorWithUtils(version, &realFsUtils{})
}

func runDoctorWithUtils(version string, utils fsUtils) error {
	fmt.Printf("🔍 waterfall doctor v%s\n\n", version)

	cfg, configResult := checkWaterfallConfig(utils)

	checks := []func(utils fsUtils) checkResult{
		checkBinaryLocation,
		checkBinaryExecutable,
		func(fsUtils) checkResult { return configResult },
	}
	if cfg != nil {
		checks = append(checks,
			func(u fsUtils) checkResult { return checkWatchDirs(u, cfg) },
			func(u fsUtils) checkResult { return checkTracingAPI(cfg) },
		)
	}
	checks = append(checks, checkMCPConfig, checkCollector)

	results := make([]checkResult, 0, len(checks))
	for _, check := range checks {
		result := check(utils)
		results = append(results, result)
		printCheckResult(result)
	}

	fmt.Println()
	summary := summarizeResults(results)
	printSummary(summary)

	if summary.FailCount > 0 {
		return fmt.Errorf("found %d issues that need attention", summary.FailCount)
	}

	return nil
}

func printCheckResult(result checkResult) {
	var icon string
	switch result.Status {
	case "pass":
		icon = "✓"
	case "warn":
		icon = "⚠"
	case "fail":
		icon = "✗"
	}

	fmt.Printf("%s %s\n", icon, result.Message)

	if result.Suggestion != "" {
		fmt.Printf("  %s\n", result.Suggestion)
	}
}

type resultSummary struct {
	PassCount int
	WarnCount int
	FailCount int
}

func summarizeResults(results []checkResult) resultSummary {
	var summary resultSummary
	for _, r := range results {
		switch r.Status {
		case "pass":
			summary.PassCount++
		case "warn":
			summary.WarnCount++
		case "fail":
			summary.FailCount++
		}
	}
	return summary
}

func printSummary(summary resultSummary) {
	if summary.FailCount > 0 {
		fmt.Printf("❌ Found %d issue(s) that need attention\n", summary.FailCount)
		if summary.WarnCount > 0 {
			fmt.Printf("⚠️  %d warning(s)\n", summary.WarnCount)
		}
	} else if summary.WarnCount > 0 {
		fmt.Printf("✅ All critical checks passed!\n")
		fmt.Printf("⚠️  %d optional warning(s)\n", summary.WarnCount)
		fmt.Printf("💡 Run 'waterfall serve --verbose' to start the server\n")
	} else {
		fmt.Printf("✅ All checks passed!\n")
		fmt.Printf("💡 Run 'waterfall serve --verbose' to start the server\n")
	}
}

// Check 1: Binary location
func checkBinaryLocation(utils fsUtils) checkResult {
	executable, err := utils.Executable()
	if err != nil {
		return checkResult{
			Name:       "binary_location",
			Status:     "fail",
			Message:    "Could not determine binary location",
			Suggestion: fmt.Sprintf("Error: %v", err),
			IsCritical: true,
		}
	}

	absPath, err := filepath.Abs(executable)
	if err != nil {
		absPath = executable
	}

	return checkResult{
		Name:    "binary_location",
		Status:  "pass",
		Message: fmt.Sprintf("Binary location: %s", absPath),
	}
}

// Check 2: Binary executable
func checkBinaryExecutable(utils fsUtils) checkResult {
	executable, err := utils.Executable()
	if err != nil {
		return checkResult{
			Name:       "binary_executable",
			Status:     "fail",
			Message:    "Could not check if binary is executable",
			IsCritical: true,
		}
	}

	info, err := utils.Stat(executable)
	if err != nil || info == nil {
		return checkResult{
			Name:       "binary_executable",
			Status:     "fail",
			Message:    "Could not stat binary",
			Suggestion: fmt.Sprintf("Error: %v", err),
			IsCritical: true,
		}
	}

	if info.Mode()&0111 == 0 {
		return checkResult{
			Name:       "binary_executable",
			Status:     "fail",
			Message:    "Binary is not executable",
			Suggestion: fmt.Sprintf("Run: chmod +x %s", executable),
			IsCritical: true,
		}
	}

	return checkResult{
		Name:    "binary_executable",
		Status:  "pass",
		Message: "Binary is executable",
	}
}

// Check 3: waterfall config files. Returns the effective config, or nil
// when a config file is broken.
func checkWaterfallConfig(utils fsUtils) (*Config, checkResult) {
	cfg := DefaultConfig()
	var found []string

	var paths []string
	if home, err := utils.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "waterfall", "config.json"))
	}
	if project := findProjectConfigWith(utils); project != "" {
		paths = append(paths, project)
	}

	for _, path := range paths {
		if _, err := utils.Stat(path); err != nil {
			continue
		}
		data, err := utils.ReadFile(path)
		if err != nil {
			return nil, checkResult{
				Name:       "waterfall_config",
				Status:     "fail",
				Message:    "Could not read waterfall config",
				Suggestion: fmt.Sprintf("Error reading %s: %v", path, err),
				IsCritical: true,
			}
		}
		var layer Config
		if err := json.Unmarshal(data, &layer); err != nil {
			return nil, checkResult{
				Name:       "waterfall_config",
				Status:     "fail",
				Message:    "waterfall config is not valid JSON",
				Suggestion: fmt.Sprintf("Error parsing %s: %v", path, err),
				IsCritical: true,
			}
		}
		cfg = MergeConfigs(cfg, &layer)
		found = append(found, path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, checkResult{
			Name:       "waterfall_config",
			Status:     "fail",
			Message:    "waterfall config is invalid",
			Suggestion: fmt.Sprintf("%v (in %s)", err, strings.Join(found, ", ")),
			IsCritical: true,
		}
	}

	if len(found) == 0 {
		return cfg, checkResult{
			Name:    "waterfall_config",
			Status:  "pass",
			Message: "No waterfall config files, using defaults",
		}
	}
	return cfg, checkResult{
		Name:    "waterfall_config",
		Status:  "pass",
		Message: fmt.Sprintf("waterfall config: %s", strings.Join(found, ", ")),
	}
}

// findProjectConfigWith walks up from the working directory like
// FindProjectConfig, through utils.
func findProjectConfigWith(utils fsUtils) string {
	dir, err := utils.Getwd()
	if err != nil || dir == "" {
		return ""
	}
	for {
		path := filepath.Join(dir, projectConfigName)
		if _, err := utils.Stat(path); err == nil {
			return path
		}
		if _, err := utils.Stat(filepath.Join(dir, ".git")); err == nil {
			return ""
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// Check 4: watched directories and collector config
func checkWatchDirs(utils fsUtils, cfg *Config) checkResult {
	dirs := append([]string(nil), cfg.WatchDirs...)

	if cfg.OtelConfig != "" {
		if _, err := utils.Stat(cfg.OtelConfig); err != nil {
			return checkResult{
				Name:       "watch_dirs",
				Status:     "fail",
				Message:    fmt.Sprintf("Collector config not found: %s", cfg.OtelConfig),
				Suggestion: "Fix otel_config in your waterfall config or pass --otel-config",
				IsCritical: true,
			}
		}
		otelDirs, err := ParseOtelConfig(cfg.OtelConfig)
		if err != nil {
			return checkResult{
				Name:       "watch_dirs",
				Status:     "fail",
				Message:    "Collector config could not be parsed",
				Suggestion: err.Error(),
				IsCritical: true,
			}
		}
		dirs = appendUnique(dirs, otelDirs...)
	}

	if len(dirs) == 0 {
		return checkResult{
			Name:       "watch_dirs",
			Status:     "warn",
			Message:    "Optional: no trace file directories configured",
			Suggestion: "Set watch_dirs or otel_config to load *.json / *.jsonl trace files",
		}
	}

	var missing []string
	for _, dir := range dirs {
		info, err := utils.Stat(dir)
		if err != nil || info == nil || !info.IsDir() {
			missing = append(missing, dir)
		}
	}
	if len(missing) > 0 {
		return checkResult{
			Name:       "watch_dirs",
			Status:     "fail",
			Message:    fmt.Sprintf("%d watched directory(ies) missing", len(missing)),
			Suggestion: "Create or remove: " + strings.Join(missing, ", "),
			IsCritical: true,
		}
	}

	return checkResult{
		Name:    "watch_dirs",
		Status:  "pass",
		Message: fmt.Sprintf("Watching %d directory(ies): %s", len(dirs), strings.Join(dirs, ", ")),
	}
}

// Check 5: tracing API
func checkTracingAPI(cfg *Config) checkResult {
	if cfg.APIBaseURL == "" {
		return checkResult{
			Name:       "tracing_api",
			Status:     "warn",
			Message:    "Optional: no tracing API configured",
			Suggestion: "Set api_base_url to enable fetch_trace and 'waterfall render --trace-id'",
		}
	}
	if !strings.HasPrefix(cfg.APIBaseURL, "http://") && !strings.HasPrefix(cfg.APIBaseURL, "https://") {
		return checkResult{
			Name:       "tracing_api",
			Status:     "fail",
			Message:    fmt.Sprintf("Tracing API URL is not http(s): %s", cfg.APIBaseURL),
			IsCritical: true,
		}
	}
	return checkResult{
		Name:    "tracing_api",
		Status:  "pass",
		Message: fmt.Sprintf("Tracing API: %s", cfg.APIBaseURL),
	}
}

// Check 6: MCP configuration
func checkMCPConfig(utils fsUtils) checkResult {
	configPath := getMCPConfigPath(utils)
	allPaths := getMCPConfigPaths(utils)

	if _, err := utils.Stat(configPath); err != nil {
		executable, _ := utils.Executable()
		absPath, _ := filepath.Abs(executable)

		locationsList := ""
		for _, p := range allPaths {
			locationsList += fmt.Sprintf("  - %s\n", p)
		}
		createAt := configPath
		if len(allPaths) > 0 {
			createAt = allPaths[0]
		}

		suggestion := fmt.Sprintf(`MCP config not found. Checked:
%s
  Create one at: %s
  For other MCP agents, use their config location

  Example config:
  {
    "mcpServers": {
      "waterfall": {
        "command": "%s",
        "args": ["serve", "--verbose"]
      }
    }
  }`, locationsList, createAt, absPath)

		return checkResult{
			Name:       "mcp_config",
			Status:     "fail",
			Message:    "MCP config not found",
			Suggestion: suggestion,
			IsCritical: true,
		}
	}

	data, err := utils.ReadFile(configPath)
	if err != nil {
		return checkResult{
			Name:       "mcp_config",
			Status:     "fail",
			Message:    "Could not read MCP config",
			Suggestion: fmt.Sprintf("Error reading %s: %v", configPath, err),
			IsCritical: true,
		}
	}

	var config map[string]any
	if err := json.Unmarshal(data, &config); err != nil {
		return checkResult{
			Name:       "mcp_config",
			Status:     "fail",
			Message:    "MCP config is not valid JSON",
			Suggestion: fmt.Sprintf("Error parsing %s: %v", configPath, err),
			IsCritical: true,
		}
	}

	agentName := "MCP agent"
	if strings.Contains(configPath, "claude-code") || strings.Contains(configPath, ".claude") {
		agentName = "Claude Code"
	} else if strings.Contains(configPath, ".gemini") {
		agentName = "Gemini CLI"
	}

	mcpServers, ok := config["mcpServers"].(map[string]any)
	if !ok {
		return checkResult{
			Name:       "mcp_config",
			Status:     "warn",
			Message:    fmt.Sprintf("%s config found: %s", agentName, configPath),
			Suggestion: "Config does not contain 'mcpServers' section",
		}
	}

	entry, ok := mcpServers["waterfall"].(map[string]any)
	if !ok {
		return checkResult{
			Name:       "mcp_config",
			Status:     "warn",
			Message:    fmt.Sprintf("%s config found: %s", agentName, configPath),
			Suggestion: "Config does not contain a 'waterfall' server entry",
		}
	}

	configuredCommand, _ := entry["command"].(string)
	executable, _ := utils.Executable()
	absExecutable, _ := filepath.Abs(executable)

	if configuredCommand != "" && configuredCommand != absExecutable {
		return checkResult{
			Name:    "mcp_config",
			Status:  "warn",
			Message: fmt.Sprintf("MCP config found: %s", configPath),
			Suggestion: fmt.Sprintf("Config path (%s) differs from current binary (%s)\n  Update config to use current binary if needed",
				configuredCommand, absExecutable),
		}
	}

	return checkResult{
		Name:    "mcp_config",
		Status:  "pass",
		Message: fmt.Sprintf("%s config found: %s", agentName, configPath),
	}
}

// Check 7: collector availability
func checkCollector(utils fsUtils) checkResult {
	for _, name := range []string{"otelcol-contrib", "otelcol"} {
		if path, err := utils.LookPath(name); err == nil {
			return checkResult{
				Name:    "otel_collector",
				Status:  "pass",
				Message: fmt.Sprintf("Optional: %s found at %s", name, path),
			}
		}
	}

	return checkResult{
		Name:    "otel_collector",
		Status:  "warn",
		Message: "Optional: otelcol-contrib not found",
		Suggestion: `A collector with a file exporter can feed --otel-config, but is not required.
  Programs can export straight to the OTLP endpoint instead.`,
	}
}

// getMCPConfigPaths returns possible MCP config file paths for various agents
func getMCPConfigPaths(utils fsUtils) []string {
	homeDir, err := utils.UserHomeDir()
	if err != nil {
		return nil
	}

	cwd, _ := utils.Getwd()

	var paths []string

	// Project-level configs first
	if cwd != "" {
		paths = append(paths,
			filepath.Join(cwd, ".gemini", "settings.json"),
			filepath.Join(cwd, ".claude", "settings.json"),
		)
	}

	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(homeDir, "AppData", "Roaming")
		}
		paths = append(paths, filepath.Join(appData, "Claude Code", "mcp_settings.json"))
	default:
		paths = append(paths, filepath.Join(homeDir, ".config", "claude-code", "mcp_settings.json"))
	}

	return paths
}

// getMCPConfigPath returns the first existing MCP config file path
func getMCPConfigPath(utils fsUtils) string {
	paths := getMCPConfigPaths(utils)
	for _, path := range paths {
		if _, err := utils.Stat(path); err == nil {
			return path
		}
	}
	if len(paths) > 0 {
		return paths[0]
	}
	return ""
}
