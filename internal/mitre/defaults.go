package mitre

// defaultRules is the built-in classification table, used until the
// operator-provided table loads. Kept in sync with rules/mitre.yaml.
func defaultRules() []Rule {
	return []Rule{
		{ID: "ssh-bruteforce", Service: "ssh", Kind: "ssh.auth_attempt",
			Tactic: "Credential Access", Technique: "T1110", SubTechnique: "T1110.001"},
		{ID: "ssh-valid-account", Service: "ssh", Kind: "ssh.auth_success",
			Tactic: "Initial Access", Technique: "T1078"},
		{ID: "ssh-passwd-read", Service: "ssh", Kind: "ssh.command", Pattern: `cat\s+/etc/passwd`,
			Tactic: "Discovery", Technique: "T1083"},
		{ID: "ssh-account-discovery", Service: "ssh", Kind: "ssh.command", Pattern: `^(whoami|id)\b`,
			Tactic: "Discovery", Technique: "T1033"},
		{ID: "ssh-system-discovery", Service: "ssh", Kind: "ssh.command", Pattern: `^(uname|hostname|ps|netstat)\b`,
			Tactic: "Discovery", Technique: "T1082"},
		{ID: "ssh-file-discovery", Service: "ssh", Kind: "ssh.command", Pattern: `^ls\b`,
			Tactic: "Discovery", Technique: "T1083"},
		{ID: "ftp-anon-login", Service: "ftp", Kind: "ftp.anon_login",
			Tactic: "Initial Access", Technique: "T1078", SubTechnique: "T1078.003"},
		{ID: "ftp-collection", Service: "ftp", Kind: "ftp.retr",
			Tactic: "Collection", Technique: "T1005"},
		{ID: "ftp-upload", Service: "ftp", Kind: "ftp.stor",
			Tactic: "Command and Control", Technique: "T1105"},
		{ID: "http-injection", Service: "http", Kind: "http.injection_attempt",
			Tactic: "Initial Access", Technique: "T1190"},
		{ID: "http-env-probe", Service: "http", Kind: "http.request", Pattern: `(?i)GET\s+/\.env`,
			Tactic: "Credential Access", Technique: "T1552", SubTechnique: "T1552.001"},
		{ID: "mysql-bruteforce", Service: "mysql", Kind: "mysql.auth_attempt",
			Tactic: "Credential Access", Technique: "T1110"},
		{ID: "mysql-schema-discovery", Service: "mysql", Kind: "mysql.query", Pattern: `(?i)information_schema|mysql\.user`,
			Tactic: "Discovery", Technique: "T1082"},
		{ID: "smb-share-discovery", Service: "smb", Kind: "smb.tree_connect",
			Tactic: "Discovery", Technique: "T1135"},
		{ID: "smb-ransomware", Service: "smb", Kind: "smb.ransomware_behavior",
			Tactic: "Impact", Technique: "T1486"},
		{ID: "modbus-register-write", Service: "modbus", Kind: "modbus.fc6",
			Tactic: "Impact", Technique: "T0831"},
		{ID: "lure-access", Kind: "lure.access",
			Tactic: "Collection", Technique: "T1005"},
		{ID: "sqli-anywhere", Pattern: `(?i)('\s*or\s*'1'\s*=\s*'1|union\s+select)`,
			Tactic: "Initial Access", Technique: "T1190"},
	}
}
