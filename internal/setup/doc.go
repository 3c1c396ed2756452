// Package setup provides configuration loading and state-directory
// initialization for the application.
//
// This package is essentially a collection of scripts and constants, and is
// therefore the only package that is allowed to call a global logger.
package setup
