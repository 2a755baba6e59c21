package snapshot

// inlinedProperties is the allow-list of computed properties copied onto the
// clone, in the order they are written to the style attribute.
var inlinedProperties = []string{
	// typography
	"font-family",
	"font-size",
	"font-weight",
	"font-style",
	"font-variant",
	"line-height",
	"letter-spacing",
	"word-spacing",
	"text-transform",
	"text-decoration-line",
	"text-decoration-color",
	"text-decoration-style",
	"color",

	// background
	"background-color",
	"background-image",
	"background-size",
	"background-position",
	"background-repeat",

	// box model
	"box-sizing",
	"margin-top",
	"margin-right",
	"margin-bottom",
	"margin-left",
	"padding-top",
	"padding-right",
	"padding-bottom",
	"padding-left",

	// border
	"border-top-width",
	"border-right-width",
	"border-bottom-width",
	"border-left-width",
	"border-top-style",
	"border-right-style",
	"border-bottom-style",
	"border-left-style",
	"border-top-color",
	"border-right-color",
	"border-bottom-color",
	"border-left-color",
	"border-top-left-radius",
	"border-top-right-radius",
	"border-bottom-right-radius",
	"border-bottom-left-radius",
	"border-collapse",
	"border-spacing",

	// flex and grid
	"display",
	"flex-direction",
	"flex-wrap",
	"flex-grow",
	"flex-shrink",
	"flex-basis",
	"justify-content",
	"align-items",
	"align-content",
	"align-self",
	"order",
	"row-gap",
	"column-gap",
	"grid-template-columns",
	"grid-template-rows",
	"grid-column-start",
	"grid-column-end",
	"grid-row-start",
	"grid-row-end",

	// size bounds
	"width",
	"height",
	"min-width",
	"min-height",
	"max-width",
	"max-height",

	// text layout
	"text-align",
	"vertical-align",
	"white-space",
	"word-break",
	"overflow-wrap",
	"text-indent",
	"text-overflow",

	// overflow
	"overflow-x",
	"overflow-y",

	// position
	"position",
	"top",
	"right",
	"bottom",
	"left",
	"z-index",
	"opacity",
	"transform",
	"box-shadow",
	"table-layout",
	"list-style-type",
}

// noopValues are resolved values that are not written to the clone.
//
// "none" also drops display:none. Nodes that must not be exported are removed
// through the hidden attribute instead.
var noopValues = map[string]bool{
	"initial": true,
	"none":    true,
	"normal":  true,
}
