// Package handlers provides ready-made run functions for task definitions
// built from configuration: an HTTP webhook caller and a logger.
package handlers
