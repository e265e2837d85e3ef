// Package config provides centralized configuration management for dsdreports.
//
// # Configuration Sources
//
// Configuration is assembled from the following sources in order of precedence:
//
//  1. Environment variables (highest priority)
//  2. YAML configuration file (dsdreports.yaml)
//  3. Default values (lowest priority)
//
// The report list is only read from the YAML file; credentials are only read
// from the environment.
//
// # Environment Variables
//
// All environment variables follow the pattern DSD_<SECTION>_<FIELD>:
//
//	DSD_DASHBOARD_USERNAME=...
//	DSD_DASHBOARD_PASSWORD=...
//	DSD_WATCHER_STABILITY_POLLS=3
//	DSD_MAIL_MODE=gmail
//	DSD_MAIL_RECIPIENTS=ops@example.com,sales@example.com
//
// # Path Management
//
// Paths is the single source of truth for file locations. Everything lives
// below a base directory, which defaults to the executable's directory:
//
//	paths, err := cfg.ResolvePaths()
//	csv := paths.GetDownloadPath("5_2024-03-09.csv")
package config
