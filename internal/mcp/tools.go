package mcp

import "github.com/mark3labs/mcp-go/mcp"

var reconcileToolDef = mcp.NewTool("feed_reconcile",
	mcp.WithDescription("Reconcile a fetched feed snapshot against stored state. "+
		"Returns new items under the category's comment threshold followed by edits to previously notified items. "+
		"Every item is persisted, so repeating the same snapshot returns an empty delta."),
	mcp.WithString("category",
		mcp.Required(),
		mcp.Description("Registered category name, e.g. \"SkyBlock Patch Notes\""),
	),
	mcp.WithArray("items",
		mcp.Required(),
		mcp.Description("Snapshot items in feed order"),
		mcp.Items(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id":            map[string]any{"type": "string", "description": "Stable item id (GUID)"},
				"title":         map[string]any{"type": "string"},
				"content":       map[string]any{"type": "string"},
				"comment_count": map[string]any{"type": "integer", "minimum": 0},
				"link":          map[string]any{"type": "string"},
			},
			"required": []string{"id"},
		}),
	),
)

var markNotifiedToolDef = mcp.NewTool("feed_mark_notified",
	mcp.WithDescription("Mark a stored item as delivered downstream so later edits to it are surfaced."),
	mcp.WithString("category", mcp.Required(), mcp.Description("Registered category name")),
	mcp.WithString("id", mcp.Required(), mcp.Description("Item id")),
	mcp.WithString("message_id", mcp.Description("Downstream message reference to remember")),
)

var listRecordsToolDef = mcp.NewTool("feed_list_records",
	mcp.WithDescription("List stored records of a category, newest first."),
	mcp.WithString("category", mcp.Required(), mcp.Description("Registered category name")),
	mcp.WithNumber("limit", mcp.Description("Max items (default 20, max 100)")),
	mcp.WithNumber("offset", mcp.Description("Pagination offset")),
)

var categoriesToolDef = mcp.NewTool("feed_categories",
	mcp.WithDescription("List registered categories with their thresholds and record counts."),
)
