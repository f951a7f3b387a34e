package taxonomy

// builtinVersion identifies the baked-in snapshot. Deployments that sync the
// taxonomy from an upstream feed replace it at startup.
const builtinVersion = "attack-v15.1+atlas-v4.5.2"

// builtinTechniques returns the default technique set. This is the subset of
// ATT&CK enterprise and ATLAS techniques the response playbooks reference.
func builtinTechniques() []Technique {
	return []Technique{
		{ID: "T1003", Name: "OS Credential Dumping", Tactic: "credential-access"},
		{ID: "T1003.001", Name: "LSASS Memory", Tactic: "credential-access"},
		{ID: "T1021", Name: "Remote Services", Tactic: "lateral-movement"},
		{ID: "T1021.001", Name: "Remote Desktop Protocol", Tactic: "lateral-movement"},
		{ID: "T1027", Name: "Obfuscated Files or Information", Tactic: "defense-evasion"},
		{ID: "T1036", Name: "Masquerading", Tactic: "defense-evasion"},
		{ID: "T1041", Name: "Exfiltration Over C2 Channel", Tactic: "exfiltration"},
		{ID: "T1046", Name: "Network Service Discovery", Tactic: "discovery"},
		{ID: "T1047", Name: "Windows Management Instrumentation", Tactic: "execution"},
		{ID: "T1053", Name: "Scheduled Task/Job", Tactic: "persistence"},
		{ID: "T1055", Name: "Process Injection", Tactic: "defense-evasion"},
		{ID: "T1059", Name: "Command and Scripting Interpreter", Tactic: "execution"},
		{ID: "T1059.001", Name: "PowerShell", Tactic: "execution"},
		{ID: "T1059.003", Name: "Windows Command Shell", Tactic: "execution"},
		{ID: "T1070", Name: "Indicator Removal", Tactic: "defense-evasion"},
		{ID: "T1071", Name: "Application Layer Protocol", Tactic: "command-and-control"},
		{ID: "T1078", Name: "Valid Accounts", Tactic: "initial-access"},
		{ID: "T1082", Name: "System Information Discovery", Tactic: "discovery"},
		{ID: "T1083", Name: "File and Directory Discovery", Tactic: "discovery"},
		{ID: "T1090", Name: "Proxy", Tactic: "command-and-control"},
		{ID: "T1098", Name: "Account Manipulation", Tactic: "persistence"},
		{ID: "T1105", Name: "Ingress Tool Transfer", Tactic: "command-and-control"},
		{ID: "T1110", Name: "Brute Force", Tactic: "credential-access"},
		{ID: "T1112", Name: "Modify Registry", Tactic: "defense-evasion"},
		{ID: "T1133", Name: "External Remote Services", Tactic: "initial-access"},
		{ID: "T1136", Name: "Create Account", Tactic: "persistence"},
		{ID: "T1140", Name: "Deobfuscate/Decode Files or Information", Tactic: "defense-evasion"},
		{ID: "T1190", Name: "Exploit Public-Facing Application", Tactic: "initial-access"},
		{ID: "T1204", Name: "User Execution", Tactic: "execution"},
		{ID: "T1218", Name: "System Binary Proxy Execution", Tactic: "defense-evasion"},
		{ID: "T1486", Name: "Data Encrypted for Impact", Tactic: "impact"},
		{ID: "T1505.003", Name: "Web Shell", Tactic: "persistence"},
		{ID: "T1543", Name: "Create or Modify System Process", Tactic: "persistence"},
		{ID: "T1547", Name: "Boot or Logon Autostart Execution", Tactic: "persistence"},
		{ID: "T1548", Name: "Abuse Elevation Control Mechanism", Tactic: "privilege-escalation"},
		{ID: "T1552", Name: "Unsecured Credentials", Tactic: "credential-access"},
		{ID: "T1557", Name: "Adversary-in-the-Middle", Tactic: "credential-access"},
		{ID: "T1560", Name: "Archive Collected Data", Tactic: "collection"},
		{ID: "T1562", Name: "Impair Defenses", Tactic: "defense-evasion"},
		{ID: "T1562.001", Name: "Disable or Modify Tools", Tactic: "defense-evasion"},
		{ID: "T1566", Name: "Phishing", Tactic: "initial-access"},
		{ID: "T1566.001", Name: "Spearphishing Attachment", Tactic: "initial-access"},
		{ID: "T1567", Name: "Exfiltration Over Web Service", Tactic: "exfiltration"},
		{ID: "T1570", Name: "Lateral Tool Transfer", Tactic: "lateral-movement"},
		{ID: "T1595", Name: "Active Scanning", Tactic: "reconnaissance"},

		{ID: "AML.T0010", Name: "ML Supply Chain Compromise", Tactic: "initial-access"},
		{ID: "AML.T0011", Name: "User Execution of Unsafe ML Artifacts", Tactic: "execution"},
		{ID: "AML.T0015", Name: "Evade ML Model", Tactic: "defense-evasion"},
		{ID: "AML.T0020", Name: "Poison Training Data", Tactic: "resource-development"},
		{ID: "AML.T0024", Name: "Exfiltration via ML Inference API", Tactic: "exfiltration"},
		{ID: "AML.T0043", Name: "Craft Adversarial Data", Tactic: "ml-attack-staging"},
		{ID: "AML.T0051", Name: "LLM Prompt Injection", Tactic: "initial-access"},
		{ID: "AML.T0051.000", Name: "LLM Prompt Injection: Direct", Tactic: "initial-access"},
		{ID: "AML.T0051.001", Name: "LLM Prompt Injection: Indirect", Tactic: "initial-access"},
		{ID: "AML.T0054", Name: "LLM Jailbreak", Tactic: "privilege-escalation"},
		{ID: "AML.T0056", Name: "LLM Meta Prompt Extraction", Tactic: "exfiltration"},
	}
}
