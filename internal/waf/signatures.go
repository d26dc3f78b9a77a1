package waf

// DefaultPatternSets returns the built-in signature catalogs, keyed by set
// name. Every call returns fresh slices.
func DefaultPatternSets() map[string][]string {
	return map[string][]string{
		// SQLi
		"sql_keywords": {
			`/\bUNION\b/i`,
			`/\bSELECT\b/i`,
			`/\bINSERT\b/i`,
			`/\bUPDATE\b/i`,
			`/\bDELETE\b/i`,
			`/\bDROP\b/i`,
			`/\bSLEEP\s*\(/i`,
			`/\bBENCHMARK\s*\(/i`,
			`/\bINFORMATION_SCHEMA\b/i`,
			`/(--|#|\/\*)/m`,
			`/\bOR\b\s+1\s*=\s*1/i`,
		},

		// XSS
		"xss_basic": {
			`/<\s*script\b/i`,
			`/javascript\s*:/i`,
			`/<\s*img\b[^>]*\bonerror\s*=/i`,
			`/document\.cookie/i`,
		},

		// automated clients and scanners
		"bad_bots_ua": {
			`/\bcurl\b/i`,
			`/\bwget\b/i`,
			`/python-requests/i`,
			`/\bokhttp\b/i`,
			`/\bnikto\b/i`,
			`/\bsqlmap\b/i`,
			`/\bmasscan\b/i`,
			`/\bnmap\b/i`,
		},

		"path_traversal": {
			`/\.\.(\/|\\)/`,
			`/%2e%2e(\/|%2f|\\|%5c)/i`,
			`/%252e%252e%252f/i`,
			`/%c0%ae%c0%ae/i`,
		},

		"lfi_files": {
			`/\bphp:\/\/(?:filter|input|stdin|memory|temp|fd)\b/i`,
			`/\b(?:expect|data|zip|phar):\/\//i`,
			`/\/etc\/passwd\b/i`,
			`/\/etc\/shadow\b/i`,
			`/\/proc\/self\/environ\b/i`,
			`/\/proc\/(?:self|[0-9]+)\/cmdline\b/i`,
			`/\b(?:\.ssh\/authorized_keys|\.ssh\/id_rsa|\.ssh\/id_ed25519)\b/i`,
			`/\b(?:wp-config\.php|config\.php|configuration\.php|\.env)\b/i`,
			`/\b(?:access\.log|error\.log|nginx\.log|apache2\/.*log)\b/i`,
		},

		"rce_signatures": {
			"/(;|\\|\\||&&|\\||`|\\$\\(|\\$\\{|%60)/",
			`/\b(?:bash|sh|cmd|powershell|pwsh)\b/i`,
			`/\b(?:curl|wget|fetch|tftp)\b/i`,
			`/\b(?:nc|netcat|ncat|socat)\b/i`,
			`/\bpython\s*-c\b/i`,
			`/\bperl\s*-e\b/i`,
			`/\bphp\s*-r\b/i`,
			`/\/bin\/(?:ba)?sh\b.*\s-c\b/i`,
		},

		"uri_deny": {
			`/\.env(\.|$)/i`,
			`/^\/\.git/`,
			`/^\/vendor\b/`,
			`/\.(sql|bak|old|backup|swp)$/i`,
		},

		// Opt-in sets, not referenced by the default pipeline.
		"scanner_ua": {
			`/(sqlmap|nikto|acunetix|nmap|masscan|nessus|zgrab|dirbuster|gobuster|nuclei)/i`,
		},
		"template_injection": {
			`/(\{\{[^}]+\}\}|\$\{[^}]+\}|<%[^%]+%>|__proto__|constructor\.prototype)/i`,
		},
		"obfuscated_js": {
			`/(String\.fromCharCode|atob\s*\(|eval\s*\(|setTimeout\s*\(|Function\s*\()/i`,
		},
		"jndi_lookup": {
			`/\$\{jndi:(ldap|rmi|dns|iiop|http)s?:/i`,
		},
		"php_object_injection": {
			`/(O:\d+:"[^"]+":\d+:\{|a:\d+:\{)/i`,
		},
	}
}
