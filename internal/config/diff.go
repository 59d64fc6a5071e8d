package config

import "reflect"

// SummarizeConfigChange reports which top-level sections differ between two
// configs. The reload fanout logs this so operators can see what a file
// edit actually changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var changed []string
	add := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			changed = append(changed, name)
		}
	}
	add("logging", oldCfg.Logging, newCfg.Logging)
	add("storage", oldCfg.Storage, newCfg.Storage)
	add("cache", oldCfg.Cache, newCfg.Cache)
	add("upstream", oldCfg.Upstream, newCfg.Upstream)
	add("calendar", oldCfg.Calendar, newCfg.Calendar)
	add("sync", oldCfg.Sync, newCfg.Sync)
	add("http", oldCfg.HTTP, newCfg.HTTP)
	return changed
}
