package config

// ClassifierType identifies a classifier configuration variant.
type ClassifierType int

const (
	// ClassifierTypeAnd is a logical AND across sub-classifiers.
	ClassifierTypeAnd ClassifierType = iota
	// ClassifierTypeOr is a logical OR across sub-classifiers.
	ClassifierTypeOr
	// ClassifierTypeNot negates a classifier.
	ClassifierTypeNot
	// ClassifierTypeDomain matches against a domain name.
	ClassifierTypeDomain
	// ClassifierTypeRef references a named classifier.
	ClassifierTypeRef
	// ClassifierTypeIP matches an exact IP address.
	ClassifierTypeIP
	// ClassifierTypeNetwork matches a CIDR range.
	ClassifierTypeNetwork
	// ClassifierTypePort matches a destination port.
	ClassifierTypePort
	// ClassifierTypeTrue always matches.
	ClassifierTypeTrue
	// ClassifierTypeFalse never matches.
	ClassifierTypeFalse
	// ClassifierTypeDomainsFile matches domains loaded from a file.
	ClassifierTypeDomainsFile
)

// ClassifierOp is the comparison operation for domain classifiers.
type ClassifierOp int

const (
	// ClassifierOpEqual checks for equality.
	ClassifierOpEqual ClassifierOp = iota
	// ClassifierOpNotEqual checks for inequality.
	ClassifierOpNotEqual
	// ClassifierOpContains checks if the host contains the substring.
	ClassifierOpContains
	// ClassifierOpNotContains checks if the host does not contain the substring.
	ClassifierOpNotContains
	// ClassifierOpIs matches the domain itself and any subdomain of it.
	ClassifierOpIs
)

// Classifier is the interface for all classifier configurations.
// Compilation and matching live in the proxy package.
type Classifier interface {
	Type() ClassifierType
}

// ClassifierAnd matches when all sub-classifiers match.
type ClassifierAnd struct {
	Classifiers []Classifier
}

func (c *ClassifierAnd) Type() ClassifierType { return ClassifierTypeAnd }

// ClassifierOr matches when any sub-classifier matches.
type ClassifierOr struct {
	Classifiers []Classifier
}

func (c *ClassifierOr) Type() ClassifierType { return ClassifierTypeOr }

// ClassifierNot negates the result of another classifier.
type ClassifierNot struct {
	Classifier Classifier
}

func (c *ClassifierNot) Type() ClassifierType { return ClassifierTypeNot }

// ClassifierDomain matches the request host against a domain name.
type ClassifierDomain struct {
	Op     ClassifierOp
	Domain string
}

func (c *ClassifierDomain) Type() ClassifierType { return ClassifierTypeDomain }

// ClassifierRef references another classifier by name.
type ClassifierRef struct {
	Id string
}

func (c *ClassifierRef) Type() ClassifierType { return ClassifierTypeRef }

// ClassifierIP matches an exact remote IP address.
type ClassifierIP struct {
	IP string
}

func (c *ClassifierIP) Type() ClassifierType { return ClassifierTypeIP }

// ClassifierNetwork matches remote IPs inside a CIDR range.
type ClassifierNetwork struct {
	CIDR string
}

func (c *ClassifierNetwork) Type() ClassifierType { return ClassifierTypeNetwork }

// ClassifierPort matches the destination port.
type ClassifierPort struct {
	Port int
}

func (c *ClassifierPort) Type() ClassifierType { return ClassifierTypePort }

// ClassifierTrue matches everything.
type ClassifierTrue struct{}

func (c *ClassifierTrue) Type() ClassifierType { return ClassifierTypeTrue }

// ClassifierFalse matches nothing.
type ClassifierFalse struct{}

func (c *ClassifierFalse) Type() ClassifierType { return ClassifierTypeFalse }

// ClassifierDomainsFile holds the path to a file with one domain per line.
// Loading and matching happen in proxy/classifier.go.
type ClassifierDomainsFile struct {
	FilePath string
}

func (c *ClassifierDomainsFile) Type() ClassifierType { return ClassifierTypeDomainsFile }
