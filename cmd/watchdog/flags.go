package main

import "time"

// GlobalFlags holds minimal global/persistent flags for CLI commands
type GlobalFlags struct {
	ConfigPath string
}

// RunFlags Flag structs to decouple cobra from logic for testing.
type RunFlags struct {
	ConfigPath string
	PIDFile    string
}

type StatusFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Errors     int // also fetch the newest N error records
	Insecure   bool
	CACert     string
	Token      string
}

type InspectFlags struct {
	Signature string
	Interval  time.Duration
	Threshold float64
	Every     time.Duration
	Count     int
}
