// Package clog re-exports app-utils-go/logging so every package in the
// server logs through the same structured logger, the way the teacher's
// packages all import logging.Log directly.
package clog

import "github.com/catalystcommunity/app-utils-go/logging"

// Log is the process-wide structured logger.
var Log = logging.Log
