// Package config handles configuration loading for coven-turns.
//
// # Configuration File
//
// Configuration is YAML, or TOML when the file name ends in .toml. The
// server looks for it in order:
//
//  1. Path from the COVEN_TURNS_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/turns.yaml
//  3. ~/.config/coven/turns.yaml
//
// # Environment Variable Expansion
//
// Values can reference environment variables, which keeps secrets out of
// the file:
//
//	services:
//	  - name: primary
//	    base_url: https://api.openai.com/v1
//	    api_key: ${OPENAI_API_KEY}
//	    model: gpt-4o-mini
//
// Unset variables expand to the empty string.
//
// # Durations
//
// Duration fields take Go duration strings ("30s", "1500ms", "10m").
//
// # Example
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//	database:
//	  path: ~/.local/share/coven/turns.db
//	redis:
//	  enabled: true
//	  addr: localhost:6379
//	cache:
//	  debounce_window: 2s
//	services:
//	  - name: primary
//	    base_url: https://api.openai.com/v1
//	    api_key: ${OPENAI_API_KEY}
//	    model: gpt-4o-mini
//	  - name: fallback
//	    base_url: http://localhost:11434/v1
//	    model: llama3
//	tools:
//	  approval_threshold: medium
//	logging:
//	  level: info
//	  format: text
package config
