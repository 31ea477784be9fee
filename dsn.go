package telemetry_transport

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// authHeader carries the API key on every batch request.
const authHeader = "X-Honeycomb-Team"

// DSN represents a parsed destination DSN
type DSN struct {
	String  string
	Scheme  string
	APIKey  string
	Host    string
	Port    int
	Path    string
	Dataset string

	// Computed URL
	BatchURL string
}

// ParseDSN parses a DSN of the form
// https://<api-key>@<host>[:port][/path]/<dataset>.
func ParseDSN(dsnStr string) (*DSN, error) {
	if dsnStr == "" {
		return nil, errors.New("DSN is empty")
	}

	parsedURL, err := url.Parse(dsnStr)
	if err != nil {
		// url errors quote the input, key included.
		return nil, errors.New("the DSN is not a valid URL")
	}

	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path == "" ||
		parsedURL.User == nil || parsedURL.User.Username() == "" {
		return nil, errors.Errorf("the %q DSN must contain a scheme, a host, an api key and a dataset", redact(dsnStr))
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, errors.Errorf("the scheme of the %q DSN must be either \"http\" or \"https\"", redact(dsnStr))
	}

	port := 80
	if parsedURL.Scheme == "https" {
		port = 443
	}
	if p := parsedURL.Port(); p != "" {
		portNum, err := strconv.Atoi(p)
		if err != nil {
			return nil, errors.Wrapf(err, "the %q DSN has an invalid port", redact(dsnStr))
		}
		port = portNum
	}

	// The last path segment is the dataset, anything before it a path prefix.
	segments := strings.Split(strings.Trim(parsedURL.Path, "/"), "/")
	dataset := segments[len(segments)-1]
	if dataset == "" {
		return nil, errors.Errorf("the %q DSN path must contain a dataset", redact(dsnStr))
	}

	path := "/"
	if len(segments) > 1 {
		path = "/" + strings.Join(segments[:len(segments)-1], "/")
	}

	dsn := &DSN{
		String:  dsnStr,
		Scheme:  parsedURL.Scheme,
		APIKey:  parsedURL.User.Username(),
		Host:    parsedURL.Hostname(),
		Port:    port,
		Path:    path,
		Dataset: dataset,
	}
	dsn.BatchURL = dsn.GetBatchEndpointURL()

	return dsn, nil
}

// GetBaseEndpointURL returns the API root, without the dataset
func (d *DSN) GetBaseEndpointURL() string {
	u := fmt.Sprintf("%s://%s", d.Scheme, d.Host)

	// Add port if non-standard
	if (d.Scheme == "http" && d.Port != 80) || (d.Scheme == "https" && d.Port != 443) {
		u += fmt.Sprintf(":%d", d.Port)
	}

	if d.Path != "" && d.Path != "/" {
		u += strings.TrimSuffix(d.Path, "/")
	}

	return u
}

// GetBatchEndpointURL returns the batch ingestion URL of the dataset
func (d *DSN) GetBatchEndpointURL() string {
	return d.GetBaseEndpointURL() + "/1/batch/" + url.PathEscape(d.Dataset)
}

// Headers returns the headers authenticating a request
func (d *DSN) Headers() map[string]string {
	return map[string]string{authHeader: d.APIKey}
}

// redact hides the api key of a DSN in error messages.
func redact(dsnStr string) string {
	u, err := url.Parse(dsnStr)
	if err != nil {
		return "<invalid>"
	}
	if u.User == nil {
		return dsnStr
	}
	u.User = url.User("***")
	return u.String()
}
