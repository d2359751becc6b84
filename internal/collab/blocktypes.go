package collab

import "github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"

const (
	nodeParagraph      = "paragraph"
	nodeHeading        = "heading"
	nodeBulletList     = "bulletList"
	nodeOrderedList    = "orderedList"
	nodeTaskList       = "taskList"
	nodeCodeBlock      = "codeBlock"
	nodeBlockquote     = "blockquote"
	nodeHorizontalRule = "horizontalRule"
	nodeImage          = "image"
	nodeTable          = "table"
	nodeCallout        = "callout"
)

var nodeToBlockType = map[string]notes.BlockType{
	nodeParagraph:      notes.BlockTypeText,
	nodeHeading:        notes.BlockTypeHeading,
	nodeBulletList:     notes.BlockTypeBulletList,
	nodeOrderedList:    notes.BlockTypeNumberedList,
	nodeTaskList:       notes.BlockTypeTodo,
	nodeCodeBlock:      notes.BlockTypeCode,
	nodeBlockquote:     notes.BlockTypeQuote,
	nodeHorizontalRule: notes.BlockTypeDivider,
	nodeImage:          notes.BlockTypeImage,
	nodeTable:          notes.BlockTypeTable,
	nodeCallout:        notes.BlockTypeCallout,
}

var blockTypeToNode = map[notes.BlockType]string{
	notes.BlockTypeText:         nodeParagraph,
	notes.BlockTypeHeading:      nodeHeading,
	notes.BlockTypeBulletList:   nodeBulletList,
	notes.BlockTypeNumberedList: nodeOrderedList,
	notes.BlockTypeTodo:         nodeTaskList,
	notes.BlockTypeCode:         nodeCodeBlock,
	notes.BlockTypeQuote:        nodeBlockquote,
	notes.BlockTypeDivider:      nodeHorizontalRule,
	notes.BlockTypeImage:        nodeImage,
	notes.BlockTypeTable:        nodeTable,
	notes.BlockTypeCallout:      nodeCallout,
}

// BlockTypeForNode maps an element name to its block type. Unknown names are plain text.
func BlockTypeForNode(nodeName string) notes.BlockType {
	if blockType, ok := nodeToBlockType[nodeName]; ok {
		return blockType
	}
	return notes.BlockTypeText
}

// NodeForBlockType maps a block type to its element name. Unknown types become paragraphs.
func NodeForBlockType(blockType notes.BlockType) string {
	if nodeName, ok := blockTypeToNode[blockType]; ok {
		return nodeName
	}
	return nodeParagraph
}
