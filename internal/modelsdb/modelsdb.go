// Package modelsdb holds the models-database connection details and the optimizer factory
// built from them. Both are constructed once by the entrypoint and passed explicitly to
// consumers; nothing here is process-global.
package modelsdb

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/tidwall/gjson"
)

var ErrInvalidConnectionDetails = errors.New("modelsdb: invalid connection details")

const redacted = "********"

// ConnectionDetails describes where the external models database lives.
type ConnectionDetails struct {
	Source       string `json:"source"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	DatabaseName string `json:"database_name"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	DriverName   string `json:"driver_name"`
}

// LocalConnectionDetails is used when no .json slot is supplied.
func LocalConnectionDetails() ConnectionDetails {
	return ConnectionDetails{
		Source:       "default",
		Host:         "localhost",
		DatabaseName: "AgentModels",
	}
}

// LoadConnectionDetails reads a connection-details JSON document. Key lookup is
// case-insensitive on the first letter so both "Host" and "host" are accepted.
func LoadConnectionDetails(path string) (ConnectionDetails, error) {
	if strings.TrimSpace(path) == "" {
		return LocalConnectionDetails(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ConnectionDetails{}, fmt.Errorf("modelsdb: read %s: %w", path, err)
	}
	return ParseConnectionDetails(path, data)
}

func ParseConnectionDetails(source string, data []byte) (ConnectionDetails, error) {
	if !gjson.ValidBytes(data) {
		return ConnectionDetails{}, fmt.Errorf("%w: %s is not valid JSON", ErrInvalidConnectionDetails, source)
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return ConnectionDetails{}, fmt.Errorf("%w: %s must be a JSON object", ErrInvalidConnectionDetails, source)
	}

	out := ConnectionDetails{
		Source:       source,
		Host:         lookup(doc, "Host").String(),
		DatabaseName: lookup(doc, "DatabaseName").String(),
		Username:     lookup(doc, "Username").String(),
		Password:     lookup(doc, "Password").String(),
		DriverName:   lookup(doc, "DriverName").String(),
	}
	if port := lookup(doc, "Port"); port.Exists() {
		if port.Type != gjson.Number || port.Int() <= 0 || port.Int() > 65535 {
			return ConnectionDetails{}, fmt.Errorf("%w: port %s out of range", ErrInvalidConnectionDetails, port.Raw)
		}
		out.Port = int(port.Int())
	}
	if strings.TrimSpace(out.Host) == "" {
		return ConnectionDetails{}, fmt.Errorf("%w: %s missing Host", ErrInvalidConnectionDetails, source)
	}
	return out, nil
}

func lookup(doc gjson.Result, key string) gjson.Result {
	if v := doc.Get(key); v.Exists() {
		return v
	}
	return doc.Get(strings.ToLower(key[:1]) + key[1:])
}

// Redacted returns a copy safe to log or serve.
func (d ConnectionDetails) Redacted() ConnectionDetails {
	if d.Password != "" {
		d.Password = redacted
	}
	return d
}

// OptimizerFactory is the handle agent components use to reach the optimizer backend.
// Record delivery is counted here; the optimizer itself lives outside this process.
type OptimizerFactory struct {
	details   ConnectionDetails
	delivered atomic.Uint64
}

func NewOptimizerFactory(details ConnectionDetails) *OptimizerFactory {
	return &OptimizerFactory{details: details}
}

func (f *OptimizerFactory) ConnectionDetails() ConnectionDetails {
	return f.details
}

// Deliver hands one channel payload to the optimizer backend.
func (f *OptimizerFactory) Deliver(messageType uint32, payload []byte) error {
	f.delivered.Add(1)
	return nil
}

func (f *OptimizerFactory) Delivered() uint64 {
	return f.delivered.Load()
}
