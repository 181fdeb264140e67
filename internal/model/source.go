package model

// DocumentSource identifies the upstream system a document came from.
type DocumentSource string

const (
	SourceWeb                DocumentSource = "web"
	SourceGoogleDrive        DocumentSource = "google_drive"
	SourceConfluence         DocumentSource = "confluence"
	SourceFreshdesk          DocumentSource = "freshdesk"
	SourceFreshdeskSolutions DocumentSource = "freshdesk_solutions"
	SourceSalesforce         DocumentSource = "salesforce"
	SourceSharePoint         DocumentSource = "sharepoint"
	SourceSlack              DocumentSource = "slack"
	SourceGitHub             DocumentSource = "github"
	SourceFile               DocumentSource = "file"
	SourceChatSummary        DocumentSource = "chat_summary"

	// SourceNotApplicable marks pairs that never index (e.g. ingestion-only APIs).
	SourceNotApplicable DocumentSource = "not_applicable"
)

// IsUserFileSource reports whether documents for this source are user uploads,
// which route to the user-files indexing queue.
func IsUserFileSource(s DocumentSource) bool {
	return s == SourceFile
}
