package config

import (
	"reflect"
	"sort"
	"strings"

	logx "newsdigest/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens
// or DSNs), and (3) the changed settings that only take effect after a
// restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)
	var restart []string

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oS, nS := oldCfg.Scheduler, newCfg.Scheduler
	if oldCfg.SchedulerEnabled() != newCfg.SchedulerEnabled() ||
		oS.MaxConcurrency != nS.MaxConcurrency ||
		strings.TrimSpace(oS.PollInterval) != strings.TrimSpace(nS.PollInterval) ||
		strings.TrimSpace(oS.DefaultTimeout) != strings.TrimSpace(nS.DefaultTimeout) ||
		!reflect.DeepEqual(oS.MaxRetries, nS.MaxRetries) ||
		strings.TrimSpace(oS.StopTimeout) != strings.TrimSpace(nS.StopTimeout) ||
		strings.TrimSpace(oS.StoreTimeout) != strings.TrimSpace(nS.StoreTimeout) ||
		strings.TrimSpace(oS.Timezone) != strings.TrimSpace(nS.Timezone) ||
		oS.HistorySize != nS.HistorySize ||
		oS.RecoverOnStart != nS.RecoverOnStart ||
		oS.CancelRunning != nS.CancelRunning {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.SchedulerEnabled()),
			logx.Int("scheduler.max_concurrency", nS.MaxConcurrency),
			logx.String("scheduler.timezone", strings.TrimSpace(nS.Timezone)),
			logx.Bool("scheduler.recover_on_start", nS.RecoverOnStart),
			logx.Bool("scheduler.cancel_running", nS.CancelRunning),
		)
		// Only the timezone is applied live; the dispatcher keeps the
		// settings it was built with.
		oS.Timezone, nS.Timezone = "", ""
		if !reflect.DeepEqual(oS, nS) || oldCfg.SchedulerEnabled() != newCfg.SchedulerEnabled() {
			restart = append(restart, "scheduler")
		}
	}

	if !reflect.DeepEqual(oldCfg.Retry, newCfg.Retry) {
		changed = append(changed, "retry")
		attrs = append(attrs,
			logx.String("retry.initial_delay", newCfg.Retry.InitialDelay),
			logx.Float64("retry.multiplier", newCfg.Retry.Multiplier),
			logx.String("retry.max_delay", newCfg.Retry.MaxDelay),
		)
		restart = append(restart, "retry")
	}

	if !reflect.DeepEqual(normalizeMap(oldCfg.Timeouts), normalizeMap(newCfg.Timeouts)) {
		changed = append(changed, "timeouts")
		attrs = append(attrs, logx.Int("timeouts.count", len(newCfg.Timeouts)))
		restart = append(restart, "timeouts")
	}

	if names := diffSchedules(oldCfg.Schedules, newCfg.Schedules); len(names) > 0 {
		changed = append(changed, "schedules")
		attrs = append(attrs,
			logx.Int("schedules.count", len(newCfg.Schedules)),
			logx.Any("schedules.changed", names),
		)
	}

	oSt, nSt := oldCfg.Storage, newCfg.Storage
	if !strings.EqualFold(strings.TrimSpace(oSt.Driver), strings.TrimSpace(nSt.Driver)) ||
		strings.TrimSpace(oSt.Path) != strings.TrimSpace(nSt.Path) ||
		strings.TrimSpace(oSt.DSN) != strings.TrimSpace(nSt.DSN) ||
		strings.TrimSpace(oSt.BusyTimeout) != strings.TrimSpace(nSt.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nSt.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nSt.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nSt.DSN) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nSt.BusyTimeout)),
		)
		restart = append(restart, "storage")
	}

	if strings.TrimSpace(oldCfg.Cleanup.Retention) != strings.TrimSpace(newCfg.Cleanup.Retention) {
		changed = append(changed, "cleanup")
		attrs = append(attrs, logx.String("cleanup.retention", strings.TrimSpace(newCfg.Cleanup.Retention)))
		restart = append(restart, "cleanup")
	}

	oD, nD := oldCfg.Debug, newCfg.Debug
	if oD.Enabled != nD.Enabled ||
		strings.TrimSpace(oD.Addr) != strings.TrimSpace(nD.Addr) ||
		oD.AllowInsecure != nD.AllowInsecure ||
		strings.TrimSpace(oD.ReadTimeout) != strings.TrimSpace(nD.ReadTimeout) ||
		strings.TrimSpace(oD.WriteTimeout) != strings.TrimSpace(nD.WriteTimeout) ||
		strings.TrimSpace(oD.IdleTimeout) != strings.TrimSpace(nD.IdleTimeout) ||
		strings.TrimSpace(oD.Token) != strings.TrimSpace(nD.Token) {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", nD.Enabled),
			logx.String("debug.addr", strings.TrimSpace(nD.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(nD.Token) != ""),
			logx.Bool("debug.allow_insecure", nD.AllowInsecure),
		)
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}

// DebugChanged reports whether the debug server must be restarted.
func DebugChanged(oldCfg, newCfg *Config) bool {
	if oldCfg == nil || newCfg == nil {
		return oldCfg != newCfg
	}
	return !reflect.DeepEqual(oldCfg.Debug, newCfg.Debug)
}

// SchedulesChanged reports whether the trigger set must be reloaded.
func SchedulesChanged(oldCfg, newCfg *Config) bool {
	if oldCfg == nil || newCfg == nil {
		return oldCfg != newCfg
	}
	return len(diffSchedules(oldCfg.Schedules, newCfg.Schedules)) > 0
}

func normalizeMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

// diffSchedules returns the names of schedules added, removed or modified.
func diffSchedules(oldL, newL []ScheduleConfig) []string {
	index := func(l []ScheduleConfig) map[string]ScheduleConfig {
		m := make(map[string]ScheduleConfig, len(l))
		for _, s := range l {
			m[strings.TrimSpace(s.Name)] = s
		}
		return m
	}
	oldM, newM := index(oldL), index(newL)

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, inOld := oldM[name]
		n, inNew := newM[name]
		if inOld != inNew || !sameSchedule(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func sameSchedule(a, b ScheduleConfig) bool {
	if canonicalHashJSON(a.Payload) != canonicalHashJSON(b.Payload) {
		return false
	}
	a.Payload, b.Payload = nil, nil
	if a.IsEnabled() != b.IsEnabled() {
		return false
	}
	a.Enabled, b.Enabled = nil, nil
	return reflect.DeepEqual(a, b)
}
