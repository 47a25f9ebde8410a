package proxy

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
	"github.com/codefionn/wegweiser/wegweiser-srv/config"
	"github.com/codefionn/wegweiser/wegweiser-srv/logger"
)

// ClassifierInput carries the request attributes a classifier may test.
type ClassifierInput struct {
	host       string
	remoteIP   string
	remotePort uint16
}

// Classifier is a compiled policy predicate.
type Classifier interface {
	Classify(input ClassifierInput) (bool, error)
}

// ClassifierAnd matches when all sub-classifiers match.
type ClassifierAnd struct {
	Classifiers []Classifier
}

func (c *ClassifierAnd) Classify(input ClassifierInput) (bool, error) {
	for _, classifier := range c.Classifiers {
		result, err := classifier.Classify(input)
		if err != nil {
			return false, err
		}
		if !result {
			return false, nil
		}
	}
	return true, nil
}

// ClassifierOr matches when any sub-classifier matches.
type ClassifierOr struct {
	Classifiers []Classifier
}

func (c *ClassifierOr) Classify(input ClassifierInput) (bool, error) {
	for _, classifier := range c.Classifiers {
		result, err := classifier.Classify(input)
		if err != nil {
			return false, err
		}
		if result {
			return true, nil
		}
	}
	return false, nil
}

// ClassifierNot negates another classifier.
type ClassifierNot struct {
	Classifier Classifier
}

func (c *ClassifierNot) Classify(input ClassifierInput) (bool, error) {
	result, err := c.Classifier.Classify(input)
	if err != nil {
		return false, err
	}
	return !result, nil
}

// ClassifierDomain matches the host against one configured domain.
type ClassifierDomain struct {
	Op     config.ClassifierOp
	Domain string
}

func (c *ClassifierDomain) Classify(input ClassifierInput) (bool, error) {
	switch c.Op {
	case config.ClassifierOpEqual:
		return input.host == c.Domain, nil
	case config.ClassifierOpNotEqual:
		return input.host != c.Domain, nil
	case config.ClassifierOpContains:
		return strings.Contains(input.host, c.Domain), nil
	case config.ClassifierOpNotContains:
		return !strings.Contains(input.host, c.Domain), nil
	case config.ClassifierOpIs:
		return input.host == c.Domain || strings.HasSuffix(input.host, "."+c.Domain), nil
	default:
		return false, fmt.Errorf("unsupported domain classifier operation: %v", c.Op)
	}
}

// ClassifierDomainSet matches the host against many domains at once using
// an Aho-Corasick trie. It replaces an OR over individual domain
// classifiers when the list gets big enough that linear scans hurt. With
// subdomains enabled a host also matches when it lies under one of the
// domains.
type ClassifierDomainSet struct {
	Trie       *ahocorasick.Trie
	DomainList []string
	Subdomains bool
}

func newClassifierDomainSet(domains []string, subdomains bool) *ClassifierDomainSet {
	var trie *ahocorasick.Trie
	if len(domains) > 0 {
		trie = ahocorasick.NewTrieBuilder().AddStrings(domains).Build()
	}
	return &ClassifierDomainSet{Trie: trie, DomainList: domains, Subdomains: subdomains}
}

func (c *ClassifierDomainSet) Classify(input ClassifierInput) (bool, error) {
	if c.Trie == nil {
		return false, nil
	}
	// The trie finds substring occurrences; filter them down to suffix
	// matches on label boundaries.
	for _, match := range c.Trie.MatchString(input.host) {
		domain := c.DomainList[match.Pattern()]
		if input.host == domain {
			return true, nil
		}
		if c.Subdomains && strings.HasSuffix(input.host, "."+domain) {
			return true, nil
		}
	}
	return false, nil
}

// ClassifierRef delegates to a named classifier resolved after compilation.
type ClassifierRef struct {
	Id          string
	Classifiers map[string]Classifier
}

func (c *ClassifierRef) Classify(input ClassifierInput) (bool, error) {
	classifier, ok := c.Classifiers[c.Id]
	if !ok {
		return false, fmt.Errorf("classifier with ID '%s' not found", c.Id)
	}
	return classifier.Classify(input)
}

// ClassifierIP matches an exact remote IP.
type ClassifierIP struct {
	IP string
}

func (c *ClassifierIP) Classify(input ClassifierInput) (bool, error) {
	if input.remoteIP == "" {
		return false, fmt.Errorf("remote IP not provided in classifier input")
	}
	return input.remoteIP == c.IP, nil
}

// ClassifierNetwork matches remote IPs inside a CIDR range.
type ClassifierNetwork struct {
	ipNet *net.IPNet
}

func (c *ClassifierNetwork) Classify(input ClassifierInput) (bool, error) {
	if input.remoteIP == "" {
		return false, fmt.Errorf("remote IP not provided in classifier input")
	}
	remoteIP := net.ParseIP(input.remoteIP)
	if remoteIP == nil {
		return false, fmt.Errorf("invalid remote IP format '%s'", input.remoteIP)
	}
	return c.ipNet.Contains(remoteIP), nil
}

// ClassifierPort matches the destination port.
type ClassifierPort struct {
	Port int
}

func (c *ClassifierPort) Classify(input ClassifierInput) (bool, error) {
	if input.remotePort == 0 {
		return false, fmt.Errorf("target port not provided in classifier input")
	}
	return input.remotePort == uint16(c.Port), nil
}

// ClassifierTrue always matches.
type ClassifierTrue struct{}

func (c *ClassifierTrue) Classify(input ClassifierInput) (bool, error) { return true, nil }

// ClassifierFalse never matches.
type ClassifierFalse struct{}

func (c *ClassifierFalse) Classify(input ClassifierInput) (bool, error) { return false, nil }

// tryOptimizeOrClassifier collapses an OR whose children are all domain
// rules (equal or is, optionally from domains files) into trie-backed
// set classifiers. Returns nil when the children are mixed.
func tryOptimizeOrClassifier(orClassifier *config.ClassifierOr) Classifier {
	var equalDomains, isDomains []string
	var fileDomains []string

	for _, sub := range orClassifier.Classifiers {
		switch c := sub.(type) {
		case *config.ClassifierDomain:
			switch c.Op {
			case config.ClassifierOpEqual:
				equalDomains = append(equalDomains, c.Domain)
			case config.ClassifierOpIs:
				isDomains = append(isDomains, c.Domain)
			default:
				return nil
			}
		case *config.ClassifierDomainsFile:
			loaded, err := loadDomainsFile(c.FilePath)
			if err != nil {
				logger.Error("Failed to load domains file for optimization: %v (file: %s)", err, c.FilePath)
				return nil
			}
			fileDomains = append(fileDomains, loaded...)
		default:
			return nil
		}
	}

	total := len(equalDomains) + len(isDomains) + len(fileDomains)
	if total < 2 {
		return nil
	}

	var parts []Classifier
	if len(equalDomains) > 0 {
		parts = append(parts, newClassifierDomainSet(equalDomains, false))
	}
	// Domains from files match subdomains, same as op "is"
	if suffix := append(isDomains, fileDomains...); len(suffix) > 0 {
		parts = append(parts, newClassifierDomainSet(suffix, true))
	}

	logger.Debug("Collapsed OR classifier into %d domain sets (%d domains)", len(parts), total)
	if len(parts) == 1 {
		return parts[0]
	}
	return &ClassifierOr{Classifiers: parts}
}

// CompileClassifiersMap compiles named classifiers and wires up refs.
func CompileClassifiersMap(classifiers map[string]config.Classifier) (map[string]Classifier, error) {
	result := make(map[string]Classifier)
	for name, classifier := range classifiers {
		c, err := CompileClassifier(classifier)
		if err != nil {
			return nil, fmt.Errorf("classifier %s: %w", name, err)
		}
		result[name] = c
	}

	// Second pass: refs may point at classifiers compiled after them
	for _, c := range result {
		wireClassifierRefs(c, result)
	}
	return result, nil
}

// wireClassifierRefs points every ClassifierRef in the tree at the
// compiled map.
func wireClassifierRefs(c Classifier, all map[string]Classifier) {
	switch v := c.(type) {
	case *ClassifierRef:
		v.Classifiers = all
	case *ClassifierAnd:
		for _, sub := range v.Classifiers {
			wireClassifierRefs(sub, all)
		}
	case *ClassifierOr:
		for _, sub := range v.Classifiers {
			wireClassifierRefs(sub, all)
		}
	case *ClassifierNot:
		wireClassifierRefs(v.Classifier, all)
	}
}

func compileClassifiers(classifiers []config.Classifier) ([]Classifier, error) {
	var result []Classifier
	for _, classifier := range classifiers {
		c, err := CompileClassifier(classifier)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, nil
}

// CompileClassifier compiles a config.Classifier into a runtime Classifier.
func CompileClassifier(classifier config.Classifier) (Classifier, error) {
	if classifier == nil {
		return nil, fmt.Errorf("nil classifier provided")
	}

	switch c := classifier.(type) {
	case *config.ClassifierAnd:
		subs, err := compileClassifiers(c.Classifiers)
		if err != nil {
			return nil, err
		}
		return &ClassifierAnd{Classifiers: subs}, nil
	case *config.ClassifierOr:
		if optimized := tryOptimizeOrClassifier(c); optimized != nil {
			return optimized, nil
		}
		subs, err := compileClassifiers(c.Classifiers)
		if err != nil {
			return nil, err
		}
		return &ClassifierOr{Classifiers: subs}, nil
	case *config.ClassifierNot:
		sub, err := CompileClassifier(c.Classifier)
		if err != nil {
			return nil, err
		}
		return &ClassifierNot{Classifier: sub}, nil
	case *config.ClassifierDomain:
		return &ClassifierDomain{Op: c.Op, Domain: c.Domain}, nil
	case *config.ClassifierRef:
		return &ClassifierRef{Id: c.Id, Classifiers: make(map[string]Classifier)}, nil
	case *config.ClassifierIP:
		return &ClassifierIP{IP: c.IP}, nil
	case *config.ClassifierNetwork:
		_, ipNet, err := net.ParseCIDR(c.CIDR)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR format '%s': %w", c.CIDR, err)
		}
		return &ClassifierNetwork{ipNet: ipNet}, nil
	case *config.ClassifierPort:
		return &ClassifierPort{Port: c.Port}, nil
	case *config.ClassifierTrue:
		return &ClassifierTrue{}, nil
	case *config.ClassifierFalse:
		return &ClassifierFalse{}, nil
	case *config.ClassifierDomainsFile:
		domains, err := loadDomainsFile(c.FilePath)
		if err != nil {
			return nil, err
		}
		if len(domains) == 0 {
			logger.Warn("No domains found in file: %s", c.FilePath)
		} else {
			logger.Info("Loaded %d domains from file: %s", len(domains), c.FilePath)
		}
		return newClassifierDomainSet(domains, true), nil
	default:
		return nil, fmt.Errorf("unsupported classifier type: %v", classifier.Type())
	}
}

// loadDomainsFile reads a hosts-style domain list: one or more domains per
// line, '#' and ';' comments, optional 0.0.0.0 sinkhole prefixes, and
// "*.example.com" treated as "example.com".
func loadDomainsFile(filePath string) ([]string, error) {
	cleanPath := filepath.Clean(filePath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}

	file, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open domains file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing domains file: %v", closeErr)
		}
	}()

	var domains []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if idx := strings.IndexAny(line, "#;"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		if line == "" {
			continue
		}
		for _, domain := range strings.Fields(line) {
			if domain == "0.0.0.0" {
				continue
			}
			domain = strings.TrimPrefix(domain, "*.")
			domains = append(domains, domain)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading domains file: %w", err)
	}
	return domains, nil
}
