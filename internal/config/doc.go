// Package config provides centralized configuration management for the
// TaskForge runtime. It loads a single YAML file at startup, fills in
// defaults for anything the operator leaves out, and exposes typed
// accessors for downstream services.
package config
