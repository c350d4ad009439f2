package extract

const freeFormPromptTemplate = `You are a medical document data-entry assistant. Below is the OCR text of a scanned document.

Extract every labeled field as a key/value pair. Use concise, canonical-looking key names (e.g. "Patient Name", "DOB", "Member ID"). Classify the document as one of: Medical, Invoice, Insurance, Referral, Other. Estimate a confidence in [0,1] for each pair.

Respond with ONLY a JSON object, no prose, in exactly this shape:
{
  "kv_pairs": {"<key>": "<value>", ...},
  "kv_confidences": {"<key>": <float>, ...},
  "classification": "<tag>",
  "summary": "<one sentence>"
}

Rules:
- Address-like values must be a single line with whitespace collapsed; keep ordinals ("1st", "2nd") exactly as written.
- Do not invent values that are not present in the text.

OCR TEXT:
{{.Text}}`

const templatePromptTemplate = `You are a medical document data-entry assistant. Below is the OCR text of a scanned document and a list of canonical field names.

For each canonical field, find its value in the text. Field labels in the document may differ from the canonical names{{if .Aliases}}; known aliases are listed{{end}}. Estimate a confidence in [0,1] per field. List document keys you found that map to none of the canonical fields under "unmapped_keys". Classify the document as one of: Medical, Invoice, Insurance, Referral, Other.

Canonical fields:
{{range .Fields}}- {{.CanonicalName}}{{if .Aliases}} (aliases: {{join .Aliases ", "}}){{end}}
{{end}}
Respond with ONLY a JSON object, no prose:
{
  "kv_pairs": {"<canonical field>": "<value>", ...},
  "kv_confidences": {"<canonical field>": <float>, ...},
  "unmapped_keys": ["<key>", ...],
  "classification": "<tag>"
}

Rules:
- Address-like values must be a single line with whitespace collapsed; keep ordinals ("1st", "2nd") exactly as written.
- Omit canonical fields that do not appear in the document.

OCR TEXT:
{{.Text}}`

const reanalysisPromptTemplate = `You are reviewing low-confidence fields extracted from the attached scanned document image.

For each field below, compare the extracted value against what the image actually shows and judge it:
- "correct": the value matches the document
- "incorrect": the document shows a different value (provide "suggested_value")
- "incomplete": the value is a truncated or partial reading
- "missing": the field is not present in the document at all

Fields under review:
{{range .Fields}}- {{.Name}}: "{{.Value}}" (confidence {{printf "%.2f" .Confidence}})
{{end}}
Respond with ONLY a JSON array, no prose:
[
  {"field": "<name>", "status": "<verdict>", "suggested_value": "<value or omit>", "issues": ["<issue>", ...], "explanation": "<one sentence>"}
]`
