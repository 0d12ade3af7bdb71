// Package config loads wardend's YAML configuration: daemon socket
// and worker settings, logging, key-value store placement, container
// defaults (aging, respawn, kill timeouts, limits), volume/layer
// directories and network defaults. Partial files merge over the
// built-in defaults; byte sizes accept human units ("64M").
package config
