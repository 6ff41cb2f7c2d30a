// internal/store/codec.go
package store

import (
	"fmt"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/cartographer/api/schemas"
)

// encodePage renders the JSON columns of a page. Nil slices are stored as
// empty arrays.
func encodePage(p *schemas.Page) ([]byte, []byte, error) {
	components := p.Components
	if components == nil {
		components = []schemas.UIComponent{}
	}
	links := p.Links
	if links == nil {
		links = []string{}
	}
	c, err := json.Marshal(components)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode components of page %s: %w", p.ID, err)
	}
	l, err := json.Marshal(links)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode links of page %s: %w", p.ID, err)
	}
	return c, l, nil
}

func decodePage(p *schemas.Page, components, links []byte) error {
	if len(components) > 0 {
		if err := json.Unmarshal(components, &p.Components); err != nil {
			return fmt.Errorf("failed to decode components of page %s: %w", p.ID, err)
		}
	}
	if len(links) > 0 {
		if err := json.Unmarshal(links, &p.Links); err != nil {
			return fmt.Errorf("failed to decode links of page %s: %w", p.ID, err)
		}
	}
	if len(p.Links) == 0 {
		p.Links = nil
	}
	return nil
}
