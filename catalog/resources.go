package catalog

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/yosida95/uritemplate/v3"

	"github.com/contexthost/mcprt/mcp"
)

// ResourceReader produces the current contents of a concrete resource.
type ResourceReader func(ctx context.Context) (mcp.ResourceContents, error)

// StaticResource pairs a resource descriptor with its reader.
type StaticResource struct {
	Descriptor mcp.Resource
	Reader     ResourceReader
}

// TextResource builds a fixed text resource.
func TextResource(uri, name, mimeType, text string) StaticResource {
	return StaticResource{
		Descriptor: mcp.Resource{URI: uri, Name: name, MimeType: mimeType},
		Reader: func(ctx context.Context) (mcp.ResourceContents, error) {
			return mcp.ResourceContents{URI: uri, MimeType: mimeType, Text: text}, nil
		},
	}
}

// BlobResource builds a fixed binary resource. Contents are base64-encoded
// on the wire.
func BlobResource(uri, name, mimeType string, data []byte) StaticResource {
	encoded := base64.StdEncoding.EncodeToString(data)
	return StaticResource{
		Descriptor: mcp.Resource{URI: uri, Name: name, MimeType: mimeType},
		Reader: func(ctx context.Context) (mcp.ResourceContents, error) {
			return mcp.ResourceContents{URI: uri, MimeType: mimeType, Blob: encoded}, nil
		},
	}
}

// JSONResource builds a resource whose content is the JSON encoding of v,
// computed per read so callers observe current state.
func JSONResource(uri, name string, v func() any) StaticResource {
	const mimeType = "application/json"
	return StaticResource{
		Descriptor: mcp.Resource{URI: uri, Name: name, MimeType: mimeType},
		Reader: func(ctx context.Context) (mcp.ResourceContents, error) {
			data, err := json.Marshal(v())
			if err != nil {
				return mcp.ResourceContents{}, fmt.Errorf("failed to encode resource %s: %w", uri, err)
			}
			return mcp.ResourceContents{URI: uri, MimeType: mimeType, Text: string(data)}, nil
		},
	}
}

// TemplateReader produces contents for one expansion of a templated
// resource. vars holds the values bound by the URI template match.
type TemplateReader func(ctx context.Context, uri string, vars map[string]string) (mcp.ResourceContents, error)

// TemplateResource is a parameterized family of resources addressed by an
// RFC 6570 URI template. Build instances with NewTemplateResource.
type TemplateResource struct {
	Descriptor mcp.ResourceTemplate
	Reader     TemplateReader

	compiled *uritemplate.Template
}

// NewTemplateResource compiles the descriptor's URI template and binds it to
// reader.
func NewTemplateResource(desc mcp.ResourceTemplate, reader TemplateReader) (TemplateResource, error) {
	if reader == nil {
		return TemplateResource{}, fmt.Errorf("template resource %q has no reader", desc.URITemplate)
	}
	compiled, err := uritemplate.New(desc.URITemplate)
	if err != nil {
		return TemplateResource{}, fmt.Errorf("invalid uri template %q: %w", desc.URITemplate, err)
	}
	return TemplateResource{Descriptor: desc, Reader: reader, compiled: compiled}, nil
}

// MustTemplateResource is NewTemplateResource that panics on error. Intended
// for static server construction.
func MustTemplateResource(desc mcp.ResourceTemplate, reader TemplateReader) TemplateResource {
	tmpl, err := NewTemplateResource(desc, reader)
	if err != nil {
		panic(err)
	}
	return tmpl
}

func (t *TemplateResource) match(uri string) (map[string]string, bool) {
	values := t.compiled.Match(uri)
	if values == nil {
		return nil, false
	}
	vars := make(map[string]string, len(values))
	for _, name := range t.compiled.Varnames() {
		vars[name] = values.Get(name).String()
	}
	return vars, true
}
