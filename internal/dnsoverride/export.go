package dnsoverride

import "maps"

// DNSServer is one upstream entry of the proxy DNS config.
type DNSServer struct {
	Address string   `json:"address"`
	Domains []string `json:"domains"`
}

// DNSConfig is the "dns" object handed to the downstream proxy.
type DNSConfig struct {
	Servers []DNSServer       `json:"servers"`
	Hosts   map[string]string `json:"hosts"`
}

// ExportHostsConfig flattens the rules into a domain to address map. Global
// rules come first and user rules are overlaid, so a user rule wins any
// collision. Within a tier the highest-precedence rule for a domain wins.
func (r *Resolver) ExportHostsConfig(userID *uint) map[string]string {
	if !r.cfg.Enabled {
		return map[string]string{}
	}
	snap := r.rules.Load()
	out := hosts(snap.global)
	if userID != nil {
		maps.Copy(out, hosts(snap.users[*userID]))
	}
	return out
}

func (r *Resolver) ExportDNSConfig(userID *uint) DNSConfig {
	cfg := DNSConfig{
		Servers: make([]DNSServer, 0, len(r.cfg.Servers)),
		Hosts:   r.ExportHostsConfig(userID),
	}
	for _, s := range r.cfg.Servers {
		cfg.Servers = append(cfg.Servers, DNSServer{Address: s, Domains: []string{}})
	}
	return cfg
}
