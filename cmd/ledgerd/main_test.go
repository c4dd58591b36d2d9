package main

import "testing"

func TestConfigFlag(t *testing.T) {
	t.Cleanup(func() { cfgFile = "" })

	if err := rootCmd.ParseFlags([]string{"--config", "configs/peer-2.yaml"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if cfgFile != "configs/peer-2.yaml" {
		t.Errorf("cfgFile = %q", cfgFile)
	}
}
