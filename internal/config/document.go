package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

//go:embed schema/document.schema.json
var documentSchemaJSON []byte

const documentSchemaURL = "https://groupsync.internal/schema/document.schema.json"

var ErrInvalidDocument = errors.New("invalid service document")

// Document is the service document kept next to the deployment. It names
// the upstream services and where the client certificate lives. Secret
// fields hold KMS ciphertexts unless decryption is disabled.
type Document struct {
	ACSURLBase              string  `json:"acsUrlBase" validate:"required,url"`
	ACSAdminUsername        string  `json:"acsAdminUsername" validate:"required"`
	ACSAdminPassword        string  `json:"acsAdminPassword" validate:"required"`
	PWSURLBase              string  `json:"pwsUrlBase" validate:"required,url"`
	GWSSearchURLBase        string  `json:"gwsSearchUrlBase" validate:"required,url"`
	GWSGroupURLBase         string  `json:"gwsGroupUrlBase,omitempty" validate:"omitempty,url"`
	GWSStem                 string  `json:"gwsStem,omitempty"`
	CACertS3Bucket          string  `json:"caCertS3Bucket,omitempty"`
	CACertS3Key             string  `json:"caCertS3Key,omitempty"`
	ClientCertS3Bucket      string  `json:"clientCertS3Bucket,omitempty"`
	ClientCertS3Key         string  `json:"clientCertS3Key,omitempty"`
	ClientCertKeyS3Bucket   string  `json:"clientCertKeyS3Bucket,omitempty"`
	ClientCertKeyS3Key      string  `json:"clientCertKeyS3Key,omitempty"`
	ClientCertKeyPassphrase string  `json:"clientCertKeyPassphrase,omitempty"`
	ACSRequestsPerSecond    float64 `json:"acsRequestsPerSecond,omitempty" validate:"gte=0"`
	HTTPTimeoutSeconds      int     `json:"httpTimeoutSeconds,omitempty" validate:"omitempty,min=1,max=300"`
}

// HasClientCertificate reports whether the document points at a client
// certificate for the person and group services.
func (d Document) HasClientCertificate() bool {
	return d.ClientCertS3Key != "" && d.ClientCertKeyS3Key != ""
}

var (
	documentSchemaOnce sync.Once
	documentSchema     *jsonschema.Schema
	documentSchemaErr  error
	validate           = validator.New()
)

func compiledDocumentSchema() (*jsonschema.Schema, error) {
	documentSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(documentSchemaJSON))
		if err != nil {
			documentSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(documentSchemaURL, doc); err != nil {
			documentSchemaErr = err
			return
		}
		documentSchema, documentSchemaErr = compiler.Compile(documentSchemaURL)
	})
	return documentSchema, documentSchemaErr
}

// ParseDocument reads a YAML or JSON service document, checks it against the
// embedded schema and validates field formats.
func ParseDocument(data []byte) (Document, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if raw == nil {
		return Document{}, fmt.Errorf("%w: document is empty", ErrInvalidDocument)
	}
	normalized, err := json.Marshal(raw)
	if err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	schema, err := compiledDocumentSchema()
	if err != nil {
		return Document{}, fmt.Errorf("compile document schema: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(normalized))
	if err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := schema.Validate(instance); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	var doc Document
	if err := json.Unmarshal(normalized, &doc); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := validate.Struct(doc); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return doc, nil
}
