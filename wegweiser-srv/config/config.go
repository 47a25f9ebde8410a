package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/codefionn/wegweiser/wegweiser-srv/logger"
)

// ProxyType defines the type of proxy server
type ProxyType string

// Available proxy types
const (
	ProxyTypeStandard  ProxyType = "standard"  // Regular HTTP proxy server
	ProxyTypeIntercept ProxyType = "intercept" // HTTPS intercepting proxy (TLS MITM)
	ProxyTypeQUIC      ProxyType = "quic"      // QUIC/HTTP3 intercepting proxy
)

// ServerConfig defines configuration for a single proxy server instance
type ServerConfig struct {
	Type                 ProxyType // Type of proxy server (standard, intercept, quic)
	ListenAddress        string    // Address to listen on (e.g., 127.0.0.1:8080)
	Enabled              bool      // Whether this server is enabled
	MaxConnections       int       // Maximum connections for this server instance
	ConnectionsPerClient int       // Maximum connections per client IP
}

// InterceptionConfig defines settings for TLS traffic interception
type InterceptionConfig struct {
	Enabled        bool       // Whether TLS interception is enabled
	CAFile         string     // Path to CA certificate file
	CAKeyFile      string     // Path to CA private key file
	CAKeyPassword  *string    // Passphrase for an encrypted CA key
	CertAgent      string     // Address of a remote certificate generator, empty for in-process
	CertTTLSeconds int        // Lifetime of cached forged certificates
	Classifier     Classifier // Only matching hosts are intercepted; others get a plain tunnel
}

// StatisticsConfig defines settings for the statistics collector
type StatisticsConfig struct {
	Enabled              bool
	Backend              string // "dummy", "sqlite" or "postgres"
	SQLitePath           string
	PostgresDSN          string
	BufferSize           int
	FlushIntervalSeconds int
}

// PortalConfig defines settings for the admin API reached through the proxy
type PortalConfig struct {
	Enabled   bool
	Domain    string // Internal hostname the portal answers on
	Username  string
	Password  *string
	JWTSecret *string // Signing secret, generated at startup when unset
}

// TenantConfig describes one tenant of the proxy. Tenants are resolved per
// connection by proxy-auth username first, then by client network.
type TenantConfig struct {
	Name      string
	Username  string   // Proxy-Authorization username, empty disables auth matching
	Password  *string  // Proxy-Authorization password
	Networks  []string // Client CIDRs that map to this tenant
	Escaper   string   // Entry escaper for this tenant, empty uses the default
	Allowlist Classifier
	Blocklist Classifier
}

// Config represents the main configuration structure for the proxy server.
type Config struct {
	Servers                  []ServerConfig // List of proxy server configurations
	TimeoutSeconds           int            // Global timeout for all connections
	MaxConcurrentConnections int            // Global max concurrent connections
	Classifiers              map[string]Classifier
	Escapers                 map[string]Escaper // Egress chain, keyed by escaper name
	DefaultEscaper           string             // Entry escaper when no tenant override applies
	Tenants                  []TenantConfig
	Allowlist                Classifier // Optional global host allowlist
	Blocklist                Classifier // Optional global host blocklist
	Interception             InterceptionConfig
	Statistics               StatisticsConfig
	DNS                      DNSConfig
	Portal                   PortalConfig
}

// knownTopLevelKeys is used to reject underscore variants of hyphenated keys.
var knownTopLevelKeys = map[string]bool{
	"servers":                    true,
	"listen-address":             true,
	"timeout-seconds":            true,
	"max-concurrent-connections": true,
	"classifiers":                true,
	"escapers":                   true,
	"default-escaper":            true,
	"tenants":                    true,
	"allowlist":                  true,
	"blocklist":                  true,
	"interception":               true,
	"statistics":                 true,
	"dns":                        true,
	"portal":                     true,
}

// LoadConfig loads configuration from the specified file path.
func LoadConfig(configPath string) (*Config, error) {
	// Default configuration with a standard proxy server and a direct escaper
	cfg := &Config{
		Servers: []ServerConfig{
			{
				Type:                 ProxyTypeStandard,
				ListenAddress:        "127.0.0.1:8080",
				Enabled:              true,
				MaxConnections:       100,
				ConnectionsPerClient: 10,
			},
		},
		TimeoutSeconds:           30,
		MaxConcurrentConnections: 100,
		Escapers: map[string]Escaper{
			"default": &EscaperDirect{},
		},
		DefaultEscaper: "default",
		Interception: InterceptionConfig{
			CertTTLSeconds: 3600,
		},
		Statistics: StatisticsConfig{
			Backend:              "dummy",
			BufferSize:           1000,
			FlushIntervalSeconds: 10,
		},
		DNS: DefaultDNSConfig(),
		Portal: PortalConfig{
			Domain: "wegweiser.internal",
		},
	}

	// Apply environment variables
	loadConfigFromEnv(cfg)

	// If config file exists, load it
	if configPath != "" {
		var err error

		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			err = loadJSONConfig(configPath, cfg)
		case ".hcl":
			err = loadHCLConfig(configPath, cfg)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}

		if err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func loadJSONConfig(configPath string, cfg *Config) error {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	file, err := os.Open(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	// Decode into a map first to handle the hyphenated keys
	var data map[string]any
	err = json.NewDecoder(file).Decode(&data)
	if err != nil {
		return fmt.Errorf("failed to decode JSON config: %w", err)
	}

	return applyConfigMap(data, cfg)
}

// applyConfigMap maps raw decoded values onto the Config struct. Both the
// JSON and the HCL loader feed this single pipeline.
func applyConfigMap(data map[string]any, cfg *Config) error {
	for key := range data {
		if strings.Contains(key, "_") {
			if hyphenated := strings.ReplaceAll(key, "_", "-"); knownTopLevelKeys[hyphenated] {
				return fmt.Errorf("invalid config key '%s': use '%s' instead", key, hyphenated)
			}
		}
	}

	if val, exists := data["servers"]; exists {
		serverList, ok := val.([]any)
		if !ok {
			return fmt.Errorf("servers must be an array")
		}

		// Clear default servers if specified in config
		cfg.Servers = []ServerConfig{}

		for i, serverData := range serverList {
			serverMap, ok := serverData.(map[string]any)
			if !ok {
				return fmt.Errorf("server configuration at index %d must be an object", i)
			}

			server := ServerConfig{
				Type:                 ProxyTypeStandard,
				Enabled:              true,
				MaxConnections:       100,
				ConnectionsPerClient: 10,
			}

			if typeVal, exists := serverMap["type"]; exists {
				ptr, err := parseValue[string](typeVal)
				if err != nil {
					return fmt.Errorf("server type at index %d must be a string: %w", i, err)
				}
				serverType := ProxyType(*ptr)

				switch serverType {
				case ProxyTypeStandard, ProxyTypeIntercept, ProxyTypeQUIC:
				default:
					return fmt.Errorf("invalid proxy type at index %d: %s", i, *ptr)
				}

				server.Type = serverType
			}

			if addrVal, exists := serverMap["listen-address"]; exists {
				ptr, err := parseValue[string](addrVal)
				if err != nil {
					return fmt.Errorf("listen-address at index %d must be a string: %w", i, err)
				}
				server.ListenAddress = *ptr
			}

			if enabledVal, exists := serverMap["enabled"]; exists {
				ptr, err := parseValue[bool](enabledVal)
				if err != nil {
					return fmt.Errorf("enabled at index %d must be a boolean: %w", i, err)
				}
				server.Enabled = *ptr
			}

			if maxConnsVal, exists := serverMap["max-connections"]; exists {
				ptr, err := parseValue[int](maxConnsVal)
				if err != nil {
					return fmt.Errorf("max-connections at index %d must be an integer: %w", i, err)
				}
				server.MaxConnections = *ptr
			}

			if clientConnsVal, exists := serverMap["connections-per-client"]; exists {
				ptr, err := parseValue[int](clientConnsVal)
				if err != nil {
					return fmt.Errorf("connections-per-client at index %d must be an integer: %w", i, err)
				}
				server.ConnectionsPerClient = *ptr
			}

			cfg.Servers = append(cfg.Servers, server)
		}
	}

	// Shorthand: a bare listen-address creates a single standard server
	if val, exists := data["listen-address"]; exists && len(cfg.Servers) == 0 {
		ptr, err := parseValue[string](val)
		if err != nil {
			if strings.Contains(err.Error(), "secret") {
				return err
			}
			return fmt.Errorf("listen-address must be a string")
		}
		cfg.Servers = []ServerConfig{
			{
				Type:                 ProxyTypeStandard,
				ListenAddress:        *ptr,
				Enabled:              true,
				MaxConnections:       100,
				ConnectionsPerClient: 10,
			},
		}
	}

	if val, exists := data["timeout-seconds"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			if strings.Contains(err.Error(), "secret") {
				return err
			}
			return fmt.Errorf("timeout-seconds must be a number")
		}
		cfg.TimeoutSeconds = *ptr
	}

	if val, exists := data["max-concurrent-connections"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			if strings.Contains(err.Error(), "secret") {
				return err
			}
			return fmt.Errorf("max-concurrent-connections must be a number")
		}
		cfg.MaxConcurrentConnections = *ptr
	}

	if classifiers, ok := data["classifiers"].(map[string]any); ok && classifiers != nil {
		cfg.Classifiers = make(map[string]Classifier)

		for key, classifier := range classifiers {
			classifierMap, ok := classifier.(map[string]any)
			if !ok {
				return fmt.Errorf("invalid classifier format for %q", key)
			}

			newClassifier, err := parseClassifier(classifierMap)
			if err != nil {
				return err
			}

			cfg.Classifiers[key] = newClassifier
		}
	}

	if escapers, ok := data["escapers"].(map[string]any); ok && escapers != nil {
		cfg.Escapers = make(map[string]Escaper)

		for name, escaper := range escapers {
			escaperMap, ok := escaper.(map[string]any)
			if !ok {
				return fmt.Errorf("invalid escaper format for %q", name)
			}

			newEscaper, err := parseEscaper(escaperMap)
			if err != nil {
				return fmt.Errorf("escaper %q: %w", name, err)
			}

			cfg.Escapers[name] = newEscaper
		}
	}

	if val, exists := data["default-escaper"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("default-escaper must be a string: %w", err)
		}
		cfg.DefaultEscaper = *ptr
	}

	if tenants, ok := data["tenants"].([]any); ok && tenants != nil {
		cfg.Tenants = nil

		for i, tenant := range tenants {
			tenantMap, ok := tenant.(map[string]any)
			if !ok {
				return fmt.Errorf("tenant configuration at index %d must be an object", i)
			}

			parsed, err := parseTenant(tenantMap)
			if err != nil {
				return fmt.Errorf("tenant at index %d: %w", i, err)
			}

			cfg.Tenants = append(cfg.Tenants, parsed)
		}
	}

	if allowlist, ok := data["allowlist"].(map[string]any); ok {
		classifier, err := parseClassifier(allowlist)
		if err != nil {
			return fmt.Errorf("failed to parse allowlist: %w", err)
		}
		cfg.Allowlist = classifier
	}

	if blocklist, ok := data["blocklist"].(map[string]any); ok {
		classifier, err := parseClassifier(blocklist)
		if err != nil {
			return fmt.Errorf("failed to parse blocklist: %w", err)
		}
		cfg.Blocklist = classifier
	}

	if interception, ok := data["interception"].(map[string]any); ok {
		if err := parseInterception(interception, &cfg.Interception); err != nil {
			return err
		}
	}

	if statistics, ok := data["statistics"].(map[string]any); ok {
		if err := parseStatistics(statistics, &cfg.Statistics); err != nil {
			return err
		}
	}

	if dns, ok := data["dns"].(map[string]any); ok {
		if err := parseDNS(dns, &cfg.DNS); err != nil {
			return err
		}
	}

	if portal, ok := data["portal"].(map[string]any); ok {
		if err := parsePortal(portal, &cfg.Portal); err != nil {
			return err
		}
	}

	return nil
}

func parseTenant(tenantMap map[string]any) (TenantConfig, error) {
	tenant := TenantConfig{}

	nameVal, exists := tenantMap["name"]
	if !exists {
		return tenant, fmt.Errorf("tenant requires name field")
	}
	namePtr, err := parseValue[string](nameVal)
	if err != nil {
		return tenant, fmt.Errorf("name must be a string: %w", err)
	}
	tenant.Name = *namePtr

	if val, exists := tenantMap["username"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return tenant, fmt.Errorf("username must be a string: %w", err)
		}
		tenant.Username = *ptr
	}

	if val, exists := tenantMap["password"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return tenant, fmt.Errorf("password must be a string: %w", err)
		}
		tenant.Password = ptr
	}

	if val, exists := tenantMap["networks"]; exists {
		networks, err := parseStringList(val)
		if err != nil {
			return tenant, fmt.Errorf("networks: %w", err)
		}
		tenant.Networks = networks
	}

	if val, exists := tenantMap["escaper"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return tenant, fmt.Errorf("escaper must be a string: %w", err)
		}
		tenant.Escaper = *ptr
	}

	if allowlist, ok := tenantMap["allowlist"].(map[string]any); ok {
		classifier, err := parseClassifier(allowlist)
		if err != nil {
			return tenant, fmt.Errorf("allowlist: %w", err)
		}
		tenant.Allowlist = classifier
	}

	if blocklist, ok := tenantMap["blocklist"].(map[string]any); ok {
		classifier, err := parseClassifier(blocklist)
		if err != nil {
			return tenant, fmt.Errorf("blocklist: %w", err)
		}
		tenant.Blocklist = classifier
	}

	return tenant, nil
}

func parseInterception(m map[string]any, out *InterceptionConfig) error {
	if val, exists := m["enabled"]; exists {
		ptr, err := parseValue[bool](val)
		if err != nil {
			return fmt.Errorf("interception enabled must be a boolean: %w", err)
		}
		out.Enabled = *ptr
	}

	if val, exists := m["ca-file"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("interception ca-file must be a string: %w", err)
		}
		out.CAFile = *ptr
	}

	if val, exists := m["ca-key-file"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("interception ca-key-file must be a string: %w", err)
		}
		out.CAKeyFile = *ptr
	}

	if val, exists := m["ca-key-password"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("interception ca-key-password: %w", err)
		}
		out.CAKeyPassword = ptr
	}

	if val, exists := m["cert-agent"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("interception cert-agent must be a string: %w", err)
		}
		out.CertAgent = *ptr
	}

	if val, exists := m["cert-ttl-seconds"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			return fmt.Errorf("interception cert-ttl-seconds must be an integer: %w", err)
		}
		out.CertTTLSeconds = *ptr
	}

	if classifierData, ok := m["classifier"].(map[string]any); ok {
		classifier, err := parseClassifier(classifierData)
		if err != nil {
			return fmt.Errorf("interception classifier: %w", err)
		}
		out.Classifier = classifier
	}

	return nil
}

func parseStatistics(m map[string]any, out *StatisticsConfig) error {
	if val, exists := m["enabled"]; exists {
		ptr, err := parseValue[bool](val)
		if err != nil {
			return fmt.Errorf("statistics enabled must be a boolean: %w", err)
		}
		out.Enabled = *ptr
	}

	if val, exists := m["backend"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("statistics backend must be a string: %w", err)
		}
		out.Backend = *ptr
	}

	if val, exists := m["sqlite-path"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("statistics sqlite-path must be a string: %w", err)
		}
		out.SQLitePath = *ptr
	}

	if val, exists := m["postgres-dsn"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("statistics postgres-dsn: %w", err)
		}
		out.PostgresDSN = *ptr
	}

	if val, exists := m["buffer-size"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			return fmt.Errorf("statistics buffer-size must be an integer: %w", err)
		}
		out.BufferSize = *ptr
	}

	if val, exists := m["flush-interval-seconds"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			return fmt.Errorf("statistics flush-interval-seconds must be an integer: %w", err)
		}
		out.FlushIntervalSeconds = *ptr
	}

	return nil
}

func parseDNS(m map[string]any, out *DNSConfig) error {
	if val, exists := m["enabled"]; exists {
		ptr, err := parseValue[bool](val)
		if err != nil {
			return fmt.Errorf("dns enabled must be a boolean: %w", err)
		}
		out.Enabled = *ptr
	}

	if serversVal, exists := m["servers"]; exists {
		serverList, ok := serversVal.([]any)
		if !ok {
			return fmt.Errorf("dns servers must be an array")
		}

		out.Servers = nil
		for i, serverData := range serverList {
			serverMap, ok := serverData.(map[string]any)
			if !ok {
				return fmt.Errorf("dns server at index %d must be an object", i)
			}

			server := DNSServerConfig{
				Type:           DNSTypeUDP,
				TimeoutSeconds: 10,
			}

			if val, exists := serverMap["address"]; exists {
				ptr, err := parseValue[string](val)
				if err != nil {
					return fmt.Errorf("dns server address at index %d must be a string: %w", i, err)
				}
				server.Address = *ptr
			}

			if val, exists := serverMap["type"]; exists {
				ptr, err := parseValue[string](val)
				if err != nil {
					return fmt.Errorf("dns server type at index %d must be a string: %w", i, err)
				}
				dnsType := DNSType(*ptr)
				switch dnsType {
				case DNSTypeUDP, DNSTypeTCP, DNSTypeDoT:
				default:
					return fmt.Errorf("invalid dns server type at index %d: %s", i, *ptr)
				}
				server.Type = dnsType
			}

			if val, exists := serverMap["timeout-seconds"]; exists {
				ptr, err := parseValue[int](val)
				if err != nil {
					return fmt.Errorf("dns server timeout-seconds at index %d must be an integer: %w", i, err)
				}
				server.TimeoutSeconds = *ptr
			}

			if val, exists := serverMap["tls-host"]; exists {
				ptr, err := parseValue[string](val)
				if err != nil {
					return fmt.Errorf("dns server tls-host at index %d must be a string: %w", i, err)
				}
				server.TLSHost = *ptr
			}

			out.Servers = append(out.Servers, server)
		}
	}

	return nil
}

func parsePortal(m map[string]any, out *PortalConfig) error {
	if val, exists := m["enabled"]; exists {
		ptr, err := parseValue[bool](val)
		if err != nil {
			return fmt.Errorf("portal enabled must be a boolean: %w", err)
		}
		out.Enabled = *ptr
	}

	if val, exists := m["domain"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("portal domain must be a string: %w", err)
		}
		out.Domain = *ptr
	}

	if val, exists := m["username"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("portal username must be a string: %w", err)
		}
		out.Username = *ptr
	}

	if val, exists := m["password"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("portal password: %w", err)
		}
		out.Password = ptr
	}

	if val, exists := m["jwt-secret"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("portal jwt-secret: %w", err)
		}
		out.JWTSecret = ptr
	}

	return nil
}

func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	// Secret-case: retrieve env var
	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		// JSON number
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got JSON number", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Float32, reflect.Float64:
			f, err := strconv.ParseFloat(v, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse float: %w", err)
			}
			elem.SetFloat(f)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() == reflect.Bool {
			elem.SetBool(v)
		} else {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
	default:
		// direct-case: cast
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}

func parseStringList(value any) ([]string, error) {
	list, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("expected an array of strings, got %T", value)
	}
	result := make([]string, 0, len(list))
	for i, item := range list {
		ptr, err := parseValue[string](item)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		result = append(result, *ptr)
	}
	return result, nil
}

func parseClassifier(classifierMap map[string]any) (Classifier, error) {
	classifierType, ok := classifierMap["type"].(string)
	if !ok {
		return nil, fmt.Errorf("missing classifier type")
	}

	switch classifierType {
	case "and":
		andClassifier := &ClassifierAnd{}
		if classifiers, ok := classifierMap["classifiers"].([]any); ok && classifiers != nil {
			for _, classifier := range classifiers {
				class, err := parseClassifier(classifier.(map[string]any))
				if err != nil {
					return nil, err
				}
				andClassifier.Classifiers = append(andClassifier.Classifiers, class)
			}
		}
		return andClassifier, nil
	case "or":
		orClassifier := &ClassifierOr{}
		if classifiers, ok := classifierMap["classifiers"].([]any); ok && classifiers != nil {
			for _, classifier := range classifiers {
				class, err := parseClassifier(classifier.(map[string]any))
				if err != nil {
					return nil, err
				}
				orClassifier.Classifiers = append(orClassifier.Classifiers, class)
			}
		}
		return orClassifier, nil
	case "not":
		notClassifier := &ClassifierNot{}
		if classifier, ok := classifierMap["classifier"].(map[string]any); ok {
			class, err := parseClassifier(classifier)
			if err != nil {
				return nil, err
			}
			notClassifier.Classifier = class
		}
		return notClassifier, nil
	case "domain":
		domainClassifier := &ClassifierDomain{}
		if domain, ok := classifierMap["domain"].(string); ok {
			domainClassifier.Domain = domain
		}
		if op, ok := classifierMap["op"].(string); ok {
			domainClassifier.Op = parseClassifierOp(op)
		}
		return domainClassifier, nil
	case "ip":
		ipClassifier := &ClassifierIP{}
		if ip, ok := classifierMap["ip"].(string); ok {
			ipClassifier.IP = ip
		}
		return ipClassifier, nil
	case "network":
		networkClassifier := &ClassifierNetwork{}
		if cidr, ok := classifierMap["cidr"].(string); ok {
			networkClassifier.CIDR = cidr
		}
		return networkClassifier, nil
	case "port":
		portClassifier := &ClassifierPort{}
		if port, ok := classifierMap["port"].(float64); ok {
			portClassifier.Port = int(port)
		}
		return portClassifier, nil
	case "ref":
		refClassifier := &ClassifierRef{}
		if id, ok := classifierMap["id"].(string); ok {
			refClassifier.Id = id
		}
		return refClassifier, nil
	case "true":
		return &ClassifierTrue{}, nil
	case "false":
		return &ClassifierFalse{}, nil
	case "domains-file":
		filePath, ok := classifierMap["file"].(string)
		if !ok || filePath == "" {
			return nil, fmt.Errorf("domains-file classifier requires a 'file' field")
		}
		return &ClassifierDomainsFile{FilePath: filePath}, nil
	default:
		return nil, fmt.Errorf("unsupported classifier type: %s", classifierType)
	}
}

func parseClassifierOp(op string) ClassifierOp {
	switch op {
	case "equal":
		return ClassifierOpEqual
	case "not-equal":
		return ClassifierOpNotEqual
	case "is":
		return ClassifierOpIs
	case "contains":
		return ClassifierOpContains
	case "not-contains":
		return ClassifierOpNotContains
	default:
		return ClassifierOpEqual
	}
}

func parseEscaper(escaperMap map[string]any) (Escaper, error) {
	escaperType, ok := escaperMap["type"].(string)
	if !ok {
		return nil, fmt.Errorf("missing escaper type")
	}

	switch escaperType {
	case "direct":
		direct := &EscaperDirect{}
		if val, exists := escaperMap["bind-ip"]; exists {
			ptr, err := parseValue[string](val)
			if err != nil {
				return nil, fmt.Errorf("bind-ip must be a string: %w", err)
			}
			direct.BindIP = *ptr
		}
		if val, exists := escaperMap["force-ipv4"]; exists {
			ptr, err := parseValue[bool](val)
			if err != nil {
				return nil, fmt.Errorf("force-ipv4 must be a boolean: %w", err)
			}
			direct.ForceIPv4 = *ptr
		}
		if val, exists := escaperMap["connect-timeout-seconds"]; exists {
			ptr, err := parseValue[int](val)
			if err != nil {
				return nil, fmt.Errorf("connect-timeout-seconds must be an integer: %w", err)
			}
			direct.ConnectTimeoutSeconds = *ptr
		}
		return direct, nil

	case "proxy-http":
		httpEscaper := &EscaperProxyHTTP{}
		if address, err := parseValue[string](escaperMap["address"]); err == nil {
			httpEscaper.Address = *address
		} else {
			return nil, fmt.Errorf("proxy-http escaper requires address field")
		}
		if username, err := parseValue[string](escaperMap["username"]); err == nil {
			httpEscaper.Username = username
		}
		if password, err := parseValue[string](escaperMap["password"]); err == nil {
			httpEscaper.Password = password
		}
		return httpEscaper, nil

	case "proxy-socks5":
		socksEscaper := &EscaperProxySocks5{}
		if address, err := parseValue[string](escaperMap["address"]); err == nil {
			socksEscaper.Address = *address
		} else {
			return nil, fmt.Errorf("proxy-socks5 escaper requires address field")
		}
		if username, err := parseValue[string](escaperMap["username"]); err == nil {
			socksEscaper.Username = username
		}
		if password, err := parseValue[string](escaperMap["password"]); err == nil {
			socksEscaper.Password = password
		}
		return socksEscaper, nil

	case "route-upstream":
		route := &EscaperRouteUpstream{}
		if rules, ok := escaperMap["rules"].([]any); ok {
			for i, rule := range rules {
				ruleMap, ok := rule.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("rule at index %d must be an object", i)
				}
				parsed, err := parseRouteUpstreamRule(ruleMap)
				if err != nil {
					return nil, fmt.Errorf("rule at index %d: %w", i, err)
				}
				route.Rules = append(route.Rules, parsed)
			}
		}
		if val, exists := escaperMap["default-next"]; exists {
			ptr, err := parseValue[string](val)
			if err != nil {
				return nil, fmt.Errorf("default-next must be a string: %w", err)
			}
			route.DefaultNext = *ptr
		}
		return route, nil

	case "route-client":
		route := &EscaperRouteClient{}
		if rules, ok := escaperMap["rules"].([]any); ok {
			for i, rule := range rules {
				ruleMap, ok := rule.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("rule at index %d must be an object", i)
				}

				clientRule := RouteClientRule{}
				next, err := parseValue[string](ruleMap["next"])
				if err != nil {
					return nil, fmt.Errorf("rule at index %d requires next field", i)
				}
				clientRule.Next = *next

				if val, exists := ruleMap["exact-ips"]; exists {
					ips, err := parseStringList(val)
					if err != nil {
						return nil, fmt.Errorf("rule at index %d exact-ips: %w", i, err)
					}
					clientRule.ExactIPs = ips
				}
				if val, exists := ruleMap["subnets"]; exists {
					subnets, err := parseStringList(val)
					if err != nil {
						return nil, fmt.Errorf("rule at index %d subnets: %w", i, err)
					}
					clientRule.Subnets = subnets
				}

				route.Rules = append(route.Rules, clientRule)
			}
		}
		if val, exists := escaperMap["default-next"]; exists {
			ptr, err := parseValue[string](val)
			if err != nil {
				return nil, fmt.Errorf("default-next must be a string: %w", err)
			}
			route.DefaultNext = *ptr
		}
		return route, nil

	case "route-select":
		route := &EscaperRouteSelect{PickPolicy: PickPolicyRendezvous}
		if val, exists := escaperMap["pick-policy"]; exists {
			ptr, err := parseValue[string](val)
			if err != nil {
				return nil, fmt.Errorf("pick-policy must be a string: %w", err)
			}
			policy := PickPolicy(*ptr)
			switch policy {
			case PickPolicyRandom, PickPolicySerial, PickPolicyRoundRobin, PickPolicyRendezvous, PickPolicyJump:
			default:
				return nil, fmt.Errorf("invalid pick-policy: %s", *ptr)
			}
			route.PickPolicy = policy
		}
		nodes, ok := escaperMap["nodes"].([]any)
		if !ok || len(nodes) == 0 {
			return nil, fmt.Errorf("route-select escaper requires a non-empty nodes array")
		}
		for i, node := range nodes {
			nodeMap, ok := node.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("node at index %d must be an object", i)
			}

			selectNode := SelectNode{Weight: 1}
			next, err := parseValue[string](nodeMap["next"])
			if err != nil {
				return nil, fmt.Errorf("node at index %d requires next field", i)
			}
			selectNode.Next = *next

			if val, exists := nodeMap["weight"]; exists {
				ptr, err := parseValue[float64](val)
				if err != nil {
					return nil, fmt.Errorf("node at index %d weight must be a number: %w", i, err)
				}
				if *ptr < 0 {
					return nil, fmt.Errorf("node at index %d weight must not be negative", i)
				}
				selectNode.Weight = *ptr
			}

			route.Nodes = append(route.Nodes, selectNode)
		}
		return route, nil

	case "route-failover":
		failover := &EscaperRouteFailover{}
		primary, err := parseValue[string](escaperMap["primary"])
		if err != nil {
			return nil, fmt.Errorf("route-failover escaper requires primary field")
		}
		failover.Primary = *primary

		standby, err := parseValue[string](escaperMap["standby"])
		if err != nil {
			return nil, fmt.Errorf("route-failover escaper requires standby field")
		}
		failover.Standby = *standby

		if val, exists := escaperMap["fallback-timeout-millis"]; exists {
			ptr, err := parseValue[int](val)
			if err != nil {
				return nil, fmt.Errorf("fallback-timeout-millis must be an integer: %w", err)
			}
			failover.FallbackTimeoutMillis = *ptr
		}
		return failover, nil

	case "deny":
		deny := &EscaperDeny{}
		if val, exists := escaperMap["reason"]; exists {
			ptr, err := parseValue[string](val)
			if err != nil {
				return nil, fmt.Errorf("reason must be a string: %w", err)
			}
			deny.Reason = *ptr
		}
		return deny, nil

	default:
		return nil, fmt.Errorf("unsupported escaper type: %s", escaperType)
	}
}

func parseRouteUpstreamRule(ruleMap map[string]any) (RouteUpstreamRule, error) {
	rule := RouteUpstreamRule{}

	next, err := parseValue[string](ruleMap["next"])
	if err != nil {
		return rule, fmt.Errorf("requires next field")
	}
	rule.Next = *next

	if val, exists := ruleMap["exact-hosts"]; exists {
		hosts, err := parseStringList(val)
		if err != nil {
			return rule, fmt.Errorf("exact-hosts: %w", err)
		}
		rule.ExactHosts = hosts
	}

	if val, exists := ruleMap["exact-ips"]; exists {
		ips, err := parseStringList(val)
		if err != nil {
			return rule, fmt.Errorf("exact-ips: %w", err)
		}
		rule.ExactIPs = ips
	}

	if val, exists := ruleMap["subnets"]; exists {
		subnets, err := parseStringList(val)
		if err != nil {
			return rule, fmt.Errorf("subnets: %w", err)
		}
		rule.Subnets = subnets
	}

	if val, exists := ruleMap["child-domains"]; exists {
		children, err := parseStringList(val)
		if err != nil {
			return rule, fmt.Errorf("child-domains: %w", err)
		}
		rule.ChildDomains = children
	}

	if regexRules, ok := ruleMap["regex-rules"].([]any); ok {
		for i, regexRule := range regexRules {
			regexMap, ok := regexRule.(map[string]any)
			if !ok {
				return rule, fmt.Errorf("regex rule at index %d must be an object", i)
			}

			parsed := RouteRegexRule{}
			if val, exists := regexMap["parent-domain"]; exists {
				ptr, err := parseValue[string](val)
				if err != nil {
					return rule, fmt.Errorf("regex rule at index %d parent-domain: %w", i, err)
				}
				parsed.ParentDomain = *ptr
			}

			pattern, err := parseValue[string](regexMap["pattern"])
			if err != nil {
				return rule, fmt.Errorf("regex rule at index %d requires pattern field", i)
			}
			parsed.Pattern = *pattern

			rule.RegexRules = append(rule.RegexRules, parsed)
		}
	}

	return rule, nil
}

func loadConfigFromEnv(cfg *Config) {
	// Handle global timeout setting
	if timeoutStr := os.Getenv("WEGWEISER_TIMEOUTSECONDS"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.TimeoutSeconds = timeout
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for WEGWEISER_TIMEOUTSECONDS: %s\n", timeoutStr)
		}
	}

	// Handle global max connections setting
	if maxConnStr := os.Getenv("WEGWEISER_MAXCONCURRENTCONNECTIONS"); maxConnStr != "" {
		if maxConn, err := strconv.Atoi(maxConnStr); err == nil {
			cfg.MaxConcurrentConnections = maxConn
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for WEGWEISER_MAXCONCURRENTCONNECTIONS: %s\n", maxConnStr)
		}
	}

	// Handle interception settings
	if interceptEnabled := os.Getenv("WEGWEISER_INTERCEPT"); interceptEnabled != "" {
		cfg.Interception.Enabled = strings.EqualFold(interceptEnabled, "true") || interceptEnabled == "1"
	}

	if caFile := os.Getenv("WEGWEISER_CAFILE"); caFile != "" {
		cfg.Interception.CAFile = caFile
	}

	if caKeyFile := os.Getenv("WEGWEISER_CAKEYFILE"); caKeyFile != "" {
		cfg.Interception.CAKeyFile = caKeyFile
	}

	if certAgent := os.Getenv("WEGWEISER_CERTAGENT"); certAgent != "" {
		cfg.Interception.CertAgent = certAgent
	}

	if defaultEscaper := os.Getenv("WEGWEISER_DEFAULTESCAPER"); defaultEscaper != "" {
		cfg.DefaultEscaper = defaultEscaper
	}

	// Shorthand: WEGWEISER_LISTENADDRESS configures the first server
	if addr := os.Getenv("WEGWEISER_LISTENADDRESS"); addr != "" {
		if len(cfg.Servers) == 0 {
			cfg.Servers = []ServerConfig{
				{
					Type:                 ProxyTypeStandard,
					ListenAddress:        addr,
					Enabled:              true,
					MaxConnections:       100,
					ConnectionsPerClient: 10,
				},
			}
		} else {
			cfg.Servers[0].ListenAddress = addr
		}
	}

	// Handle server-specific environment variables
	// Example format: WEGWEISER_SERVER_0_LISTENADDRESS=127.0.0.1:8080
	// Example format: WEGWEISER_SERVER_0_TYPE=intercept
	for i := 0; ; i++ {
		prefix := fmt.Sprintf("WEGWEISER_SERVER_%d_", i)
		addrVar := prefix + "LISTENADDRESS"
		typeVar := prefix + "TYPE"
		enabledVar := prefix + "ENABLED"
		maxConnsVar := prefix + "MAXCONNECTIONS"
		clientConnsVar := prefix + "CONNECTIONSPCLIENT"

		// Check if this server config exists by looking for the address
		addr := os.Getenv(addrVar)
		if addr == "" {
			// No more server configurations
			break
		}

		var server ServerConfig
		if i < len(cfg.Servers) {
			server = cfg.Servers[i]
		} else {
			server = ServerConfig{
				Type:                 ProxyTypeStandard,
				Enabled:              true,
				MaxConnections:       100,
				ConnectionsPerClient: 10,
			}
		}

		server.ListenAddress = addr

		if typeStr := os.Getenv(typeVar); typeStr != "" {
			server.Type = ProxyType(typeStr)
		}

		if enabledStr := os.Getenv(enabledVar); enabledStr != "" {
			if enabled, err := strconv.ParseBool(enabledStr); err == nil {
				server.Enabled = enabled
			} else {
				fmt.Fprintf(os.Stderr, "Warning: Invalid format for %s: %s\n", enabledVar, enabledStr)
			}
		}

		if maxConnsStr := os.Getenv(maxConnsVar); maxConnsStr != "" {
			if maxConns, err := strconv.Atoi(maxConnsStr); err == nil {
				server.MaxConnections = maxConns
			} else {
				fmt.Fprintf(os.Stderr, "Warning: Invalid format for %s: %s\n", maxConnsVar, maxConnsStr)
			}
		}

		if clientConnsStr := os.Getenv(clientConnsVar); clientConnsStr != "" {
			if clientConns, err := strconv.Atoi(clientConnsStr); err == nil {
				server.ConnectionsPerClient = clientConns
			} else {
				fmt.Fprintf(os.Stderr, "Warning: Invalid format for %s: %s\n", clientConnsVar, clientConnsStr)
			}
		}

		if i < len(cfg.Servers) {
			cfg.Servers[i] = server
		} else {
			cfg.Servers = append(cfg.Servers, server)
		}
	}
}
