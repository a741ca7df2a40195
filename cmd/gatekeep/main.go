// Package main is the entry point for Gatekeep, the admission gate
// that enforces per-tenant rate windows and prepaid credits in front
// of the CRM API.
package main

func main() {
	Execute()
}
