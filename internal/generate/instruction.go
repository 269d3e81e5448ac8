package generate

import (
	"fmt"
	"strings"
)

// Per-stage base instructions. Every stage carries the structure-preservation
// clause so the model is told, not just checked, to leave geometry alone.
const preserveClause = "Do not move, add, remove or reshape walls, windows, doors, ceilings or any architectural element. Keep the camera angle and room geometry identical."

// BuildInstruction assembles the prompt for one stage attempt.
func BuildInstruction(stage string, strictDimensions bool, width, height int) string {
	parts := []string{}
	switch stage {
	case "enhance":
		parts = append(parts, "Enhance this property photo: correct exposure and white balance, recover highlight and shadow detail, sharpen naturally and remove sensor noise.")
	case "declutter":
		parts = append(parts, "Remove personal items, loose cables, trash bins and countertop clutter from this property photo. Leave furniture and fixtures in place.")
	case "staging":
		parts = append(parts, "Virtually stage this empty room with tasteful, neutral furniture appropriate to the room type. Furniture must sit plausibly on the floor and not occlude windows or doors.")
	default:
		parts = append(parts, "Edit this property photo as instructed.")
	}
	parts = append(parts, preserveClause)
	if strictDimensions && width > 0 && height > 0 {
		parts = append(parts, fmt.Sprintf("The output image MUST be exactly %d pixels wide and %d pixels tall, identical to the input. Do not crop, letterbox or resize.", width, height))
	}
	return strings.Join(parts, " ")
}
