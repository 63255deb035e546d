package common

// This package contains shared utilities and types used across the i2s packages.
// It provides the error taxonomy, validation helpers and operation metrics.
