// Package extractor pulls issuer and document fields out of NF-e / NFC-e
// fiscal XML files. It tolerates documents with or without the portal
// namespace and accepts either the datetime (dhEmi) or date (dEmi) emission
// element.
package extractor

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Invoice is the fixed record the pipeline consumes.
type Invoice struct {
	AccessKey     string
	TaxID         string
	IssuerName    string
	EmissionDate  time.Time
	ProcessedDate time.Time
	Kind          string
}

// ParseError is the typed extraction failure. Malformed distinguishes
// unparseable XML from well-formed XML missing required fields.
type ParseError struct {
	Malformed bool
	Reason    string
	Err       error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract: %s: %v", e.Reason, e.Err)
	}
	return "extract: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

func malformed(reason string, err error) *ParseError {
	return &ParseError{Malformed: true, Reason: reason, Err: err}
}

func invalid(reason string) *ParseError {
	return &ParseError{Reason: reason}
}

// infNFe mirrors the element carrying everything we need. Field tags use
// local names only, so documents with and without the portal namespace
// decode identically.
type infNFe struct {
	ID  string `xml:"Id,attr"`
	Ide struct {
		Model string `xml:"mod"`
		DhEmi string `xml:"dhEmi"`
		DEmi  string `xml:"dEmi"`
	} `xml:"ide"`
	Emit struct {
		TaxID string `xml:"CNPJ"`
		Name  string `xml:"xNome"`
	} `xml:"emit"`
}

// Extract reads path and returns the structured record or a *ParseError.
// I/O failures opening the file are returned as-is for the caller to
// classify.
func Extract(path string) (*Invoice, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Decode extracts from an already-open reader.
func Decode(r io.Reader) (*Invoice, error) {
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, invalid("infNFe element not found")
		}
		if err != nil {
			return nil, malformed("reading document", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "infNFe" {
			continue
		}
		var inf infNFe
		if err := dec.DecodeElement(&inf, &se); err != nil {
			return nil, malformed("decoding infNFe", err)
		}
		return buildInvoice(&inf)
	}
}

func buildInvoice(inf *infNFe) (*Invoice, error) {
	key := stripKeyPrefix(inf.ID)
	if key == "" {
		return nil, invalid("infNFe has no Id access key")
	}
	if inf.Emit.TaxID == "" {
		return nil, invalid("emit has no CNPJ")
	}
	if inf.Emit.Name == "" {
		return nil, invalid("emit has no xNome")
	}
	if inf.Ide.Model == "" {
		return nil, invalid("ide has no mod")
	}

	raw := inf.Ide.DhEmi
	if raw == "" {
		raw = inf.Ide.DEmi
	}
	if raw == "" {
		return nil, invalid("ide has neither dhEmi nor dEmi")
	}
	// dhEmi carries a full timestamp; the archive only cares about the date.
	if i := strings.IndexByte(raw, 'T'); i >= 0 {
		raw = raw[:i]
	}
	emission, err := time.Parse("2006-01-02", strings.TrimSpace(raw))
	if err != nil {
		return nil, invalid(fmt.Sprintf("unparseable emission date %q", raw))
	}

	return &Invoice{
		AccessKey:     key,
		TaxID:         strings.TrimSpace(inf.Emit.TaxID),
		IssuerName:    strings.TrimSpace(inf.Emit.Name),
		EmissionDate:  emission,
		ProcessedDate: time.Now(),
		Kind:          KindForModel(inf.Ide.Model),
	}, nil
}

// KindForModel maps the fiscal model code to the document kind used in the
// archive layout. 55 is NF-e, 65 is NFC-e, anything else falls back to a
// MOD<code> bucket.
func KindForModel(model string) string {
	switch model {
	case "55":
		return "NFE"
	case "65":
		return "NFCE"
	default:
		return "MOD" + model
	}
}

var keyPrefixReplacer = strings.NewReplacer("NFe", "", "nfe", "")

func stripKeyPrefix(id string) string {
	return strings.TrimSpace(keyPrefixReplacer.Replace(id))
}
