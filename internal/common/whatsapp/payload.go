package whatsapp

const (
	MessagingProduct    = "whatsapp"
	MessageTypeTemplate = "template"

	// BodyParameterModeName personalises the template body with the recipient name.
	BodyParameterModeName = "Name"
)

type Payload struct {
	MessagingProduct string   `json:"messaging_product"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Template         Template `json:"template"`
}

type Template struct {
	Name       string      `json:"name"`
	Language   Language    `json:"language"`
	Components []Component `json:"components,omitempty"`
}

type Language struct {
	Code string `json:"code"`
}

type Component struct {
	Type       string      `json:"type"`
	Parameters []Parameter `json:"parameters"`
}

type Parameter struct {
	Type  string    `json:"type"`
	Text  string    `json:"text,omitempty"`
	Image *MediaRef `json:"image,omitempty"`
}

type MediaRef struct {
	ID string `json:"id"`
}

type TemplateParams struct {
	TemplateName      string
	LanguageCode      string
	To                string
	RecipientName     string
	HeaderMediaID     string
	BodyParameterMode string
}

// BuildTemplatePayload assembles the template message for a single recipient.
// A header image component is added when HeaderMediaID is set, and a body component
// carrying the recipient name only for BodyParameterModeName.
func BuildTemplatePayload(p TemplateParams) *Payload {
	payload := &Payload{
		MessagingProduct: MessagingProduct,
		To:               p.To,
		Type:             MessageTypeTemplate,
		Template: Template{
			Name:     p.TemplateName,
			Language: Language{Code: p.LanguageCode},
		},
	}

	if p.HeaderMediaID != "" {
		payload.Template.Components = append(payload.Template.Components, Component{
			Type: "header",
			Parameters: []Parameter{
				{Type: "image", Image: &MediaRef{ID: p.HeaderMediaID}},
			},
		})
	}

	if p.BodyParameterMode == BodyParameterModeName {
		payload.Template.Components = append(payload.Template.Components, Component{
			Type: "body",
			Parameters: []Parameter{
				{Type: "text", Text: p.RecipientName},
			},
		})
	}

	return payload
}

// HasComponent reports whether the payload carries a component of the given type.
func (p *Payload) HasComponent(componentType string) bool {
	for _, c := range p.Template.Components {
		if c.Type == componentType {
			return true
		}
	}
	return false
}
