package analysis

import "github.com/kalambet/picshelf/internal/engine"

const describePrompt = `Analyze this image and return ONLY a JSON object with this exact structure:
{
"summary": "A concise description of the image content.",
"objects": ["list", "of", "visible", "objects"],
"tags": ["list", "of", "descriptive", "tags"],
"scene_type": "indoor/outdoor/portrait/etc",
"visual_elements": {
"dominant_colors": ["color1", "color2"],
"lighting": "description of lighting"
}
}
Do not include markdown formatting or explanations.`

// BuildPrompt returns the chat messages asking the vision model to describe img.
func BuildPrompt(img engine.Image) []engine.Message {
	return []engine.Message{
		{Role: "user", Content: describePrompt, Images: []engine.Image{img}},
	}
}

func describeSchema() *engine.Schema {
	stringList := &engine.SchemaProperty{Type: "string"}
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"summary":         {Type: "string", Description: "A concise description of the image content"},
			"objects":         {Type: "array", Description: "Visible objects", Items: stringList},
			"tags":            {Type: "array", Description: "Descriptive tags", Items: stringList},
			"scene_type":      {Type: "string", Description: "indoor, outdoor, portrait, etc."},
			"visual_elements": {Type: "object", Description: "Dominant colors and lighting"},
		},
		Required: []string{"summary", "objects", "tags", "scene_type"},
	}
}
