package rules

import (
	"time"

	"sentinelmon/internal/model"
)

// DefaultRules returns the built-in detection rules. They load into the
// same snapshot structure as user rules and can be disabled or shadowed
// by configuration like any other rule.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:        "high_cpu_usage",
			Description: "Sustained high CPU usage indicating potential crypto mining or DoS",
			AppliesTo:   []string{model.EventSystemMetric},
			Condition:   Condition{Field: "cpu_percent", Op: OpGt, Value: 90},
			Severity:    model.SeverityMedium,
			ThreatType:  model.ThreatResourceAbuse,
			Cooldown:    Duration(5 * time.Minute),
		},
		{
			Name:        "memory_exhaustion",
			Description: "Memory exhaustion attack or memory leak",
			AppliesTo:   []string{model.EventSystemMetric},
			Condition:   Condition{Field: "memory_percent", Op: OpGt, Value: 95},
			Severity:    model.SeverityCritical,
			ThreatType:  model.ThreatResourceAbuse,
			Cooldown:    Duration(5 * time.Minute),
		},
		{
			Name:        "suspicious_network_volume",
			Description: "High outbound network traffic indicating data exfiltration",
			AppliesTo:   []string{model.EventSystemMetric},
			Condition:   Condition{Field: "network_bytes_sent", Op: OpGt, Value: 100_000_000},
			Severity:    model.SeverityMedium,
			ThreatType:  model.ThreatDataExfiltration,
			Cooldown:    Duration(10 * time.Minute),
		},
		{
			Name:        "suspicious_file_creation",
			Description: "Creation of executable files in suspicious locations",
			AppliesTo:   []string{model.EventFile},
			Condition: Condition{All: []Condition{
				{Field: "file_path", Op: OpRegex, Value: `\.(exe|bat|cmd|scr|pif|com|vbs|js)$`},
				{Any: []Condition{
					{Field: "file_path", Op: OpContains, Value: "/tmp"},
					{Field: "file_path", Op: OpContains, Value: "/var/tmp"},
					{Field: "file_path", Op: OpContains, Value: "Downloads"},
				}},
			}},
			Severity:   model.SeverityMedium,
			ThreatType: model.ThreatMalware,
		},
		{
			Name:        "system_file_modification",
			Description: "Modification of critical system files",
			AppliesTo:   []string{model.EventFile},
			Condition: Condition{All: []Condition{
				{Field: "action", Op: OpEq, Value: "modified"},
				{Any: []Condition{
					{Field: "file_path", Op: OpContains, Value: "/etc/passwd"},
					{Field: "file_path", Op: OpContains, Value: "/etc/shadow"},
					{Field: "file_path", Op: OpContains, Value: "/etc/sudoers"},
					{Field: "file_path", Op: OpContains, Value: "/etc/hosts"},
				}},
			}},
			Severity:   model.SeverityCritical,
			ThreatType: model.ThreatSystemTampering,
		},
		{
			Name:        "large_file_operation",
			Description: "Large file operations indicating potential data theft",
			AppliesTo:   []string{model.EventFile},
			Condition:   Condition{Field: "file_size", Op: OpGt, Value: 500_000_000},
			Severity:    model.SeverityMedium,
			ThreatType:  model.ThreatDataExfiltration,
		},
		{
			Name:        "suspicious_process_name",
			Description: "Process name matching known malware patterns",
			AppliesTo:   []string{model.EventProcess},
			Condition:   Condition{Field: "process_name", Op: OpRegex, Value: `(miner|trojan|keylog|backdoor)`},
			Severity:    model.SeverityHigh,
			ThreatType:  model.ThreatMalware,
		},
		{
			Name:        "high_cpu_process",
			Description: "Single process consuming excessive CPU",
			AppliesTo:   []string{model.EventProcess},
			Condition:   Condition{Field: "cpu_percent", Op: OpGt, Value: 80},
			Severity:    model.SeverityMedium,
			ThreatType:  model.ThreatResourceAbuse,
			Cooldown:    Duration(5 * time.Minute),
		},
		{
			Name:        "suspicious_remote_port",
			Description: "Connection to a port commonly used for command and control",
			AppliesTo:   []string{model.EventNetwork},
			Condition:   Condition{Field: "remote_port", Op: OpInSet, Value: []any{4444, 5555, 6666, 31337, 12345}},
			Severity:    model.SeverityHigh,
			ThreatType:  model.ThreatCommandControl,
		},
	}
}
