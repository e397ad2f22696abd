package main

import "testing"

func TestCommandTreeWiring(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	if !names["run"] || !names["modules"] {
		t.Fatalf("expected run and modules subcommands, got %v", names)
	}
	var hasList bool
	for _, c := range modulesCmd.Commands() {
		if c.Name() == "list" {
			hasList = true
		}
	}
	if !hasList {
		t.Fatal("expected modules list subcommand")
	}
}
