package config

import "testing"

func TestSetDefaultsFillsRedisNames(t *testing.T) {
	var cfg Config
	cfg.setDefaults()
	if cfg.Redis.TaskQueue != "harvester:tasks" {
		t.Fatalf("taskQueue = %q, want harvester:tasks", cfg.Redis.TaskQueue)
	}
	if cfg.Redis.EventsChannel != "harvester:events" {
		t.Fatalf("eventsChannel = %q, want harvester:events", cfg.Redis.EventsChannel)
	}
}

func TestSetDefaultsKeepsConfiguredRedisNames(t *testing.T) {
	var cfg Config
	cfg.Redis.TaskQueue = "scrape:tasks"
	cfg.Redis.EventsChannel = "scrape:events"
	cfg.setDefaults()
	if cfg.Redis.TaskQueue != "scrape:tasks" || cfg.Redis.EventsChannel != "scrape:events" {
		t.Fatalf("configured names overwritten: %+v", cfg.Redis)
	}
}

func TestSetDefaultsFillsRunTuning(t *testing.T) {
	var cfg Config
	cfg.setDefaults()
	if cfg.Runs.DefaultMaxAttempts != 3 {
		t.Fatalf("defaultMaxAttempts = %d, want 3", cfg.Runs.DefaultMaxAttempts)
	}
	if cfg.Runs.ListMaxItemsDefault != 100 {
		t.Fatalf("listMaxItemsDefault = %d, want 100", cfg.Runs.ListMaxItemsDefault)
	}
	if cfg.Worker.MaxConcurrentRuns != 4 {
		t.Fatalf("maxConcurrentRuns = %d, want 4", cfg.Worker.MaxConcurrentRuns)
	}
}
