// Package corpus holds the static deception tables: fake credentials,
// service banners, and version strings the protocol handlers present to
// attackers. Everything here is fabricated and safe to leak.
package corpus

import (
	"fmt"
	"hash/fnv"

	"github.com/sgerhart/trapline/internal/model"
)

// Credential is a fake account. Weight biases which accounts appear in
// generated content such as /etc/passwd; it is not an acceptance rule.
type Credential struct {
	Username string
	Password string
	Role     string
	Weight   float64
}

// Credentials is the static fake account table.
var Credentials = []Credential{
	{Username: "root", Password: "Sup3rS3cur3P@ss2024!", Role: "admin", Weight: 1.0},
	{Username: "admin", Password: "Admin@2024!", Role: "admin", Weight: 0.9},
	{Username: "ubuntu", Password: "ubuntu2024", Role: "user", Weight: 0.6},
	{Username: "deploy", Password: "D3pl0y!Pass", Role: "service", Weight: 0.5},
	{Username: "backup", Password: "B4ckup#2023", Role: "service", Weight: 0.4},
	{Username: "www-data", Password: "", Role: "service", Weight: 0.3},
	{Username: "mysql", Password: "", Role: "service", Weight: 0.3},
}

// banners maps protocol tag to the service banners it may present.
var banners = map[string][]string{
	model.ProtocolSSH: {
		"SSH-2.0-OpenSSH_8.9p1 Ubuntu-3ubuntu0.6",
		"SSH-2.0-OpenSSH_8.4p1 Debian-5+deb11u3",
		"SSH-2.0-OpenSSH_7.6p1 Ubuntu-4ubuntu0.7",
	},
	model.ProtocolFTP: {
		"220 ProFTPD 1.3.7a Server (prod-ftp-01) [::ffff:10.0.1.20]",
		"220 (vsFTPd 3.0.3)",
		"220 FileZilla Server 1.5.1",
	},
	model.ProtocolHTTP: {
		"nginx/1.18.0 (Ubuntu)",
		"Apache/2.4.52 (Ubuntu)",
	},
	model.ProtocolMySQL: {
		"8.0.36-0ubuntu0.22.04.1",
		"5.7.42-log",
	},
	model.ProtocolSMB: {
		"Windows Server 2019 Standard 17763",
		"Samba 4.15.13-Ubuntu",
	},
}

// hostnames used when handlers need a plausible machine identity.
var hostnames = []string{
	"prod-web-01",
	"db-primary",
	"app-backend-02",
	"files-dc1",
}

// Banner returns a deterministic banner for the protocol. The seed keys
// the choice so one deployment always presents the same face; a session
// id may be used instead for per-session variety.
func Banner(protocol, seed string) string {
	list, ok := banners[protocol]
	if !ok || len(list) == 0 {
		return ""
	}
	return list[pick(seed+protocol, len(list))]
}

// Hostname returns a deterministic fake hostname for the seed.
func Hostname(seed string) string {
	return hostnames[pick(seed+"host", len(hostnames))]
}

// MySQLVersion returns the version string used in the MySQL greeting.
func MySQLVersion(seed string) string {
	list := banners[model.ProtocolMySQL]
	return list[pick(seed+"mysql", len(list))]
}

// HTTPServer returns the Server header value for HTTP responses.
func HTTPServer(seed string) string {
	list := banners[model.ProtocolHTTP]
	return list[pick(seed+"http", len(list))]
}

// EtcPasswd renders a plausible /etc/passwd from the credential table.
func EtcPasswd() string {
	out := "root:x:0:0:root:/root:/bin/bash\n" +
		"daemon:x:1:1:daemon:/usr/sbin:/usr/sbin/nologin\n" +
		"www-data:x:33:33:www-data:/var/www:/usr/sbin/nologin\n"
	uid := 1000
	for _, c := range Credentials {
		if c.Role == "admin" || c.Role == "user" {
			if c.Username == "root" {
				continue
			}
			out += fmt.Sprintf("%s:x:%d:%d:%s:/home/%s:/bin/bash\n", c.Username, uid, uid, c.Username, c.Username)
			uid++
		}
	}
	return out
}

func pick(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
