package sync

import "crmhub/internal/types"

// canonicalFields lists the dotted canonical keys per entity. The part after
// the dot is the CRM-side field name.
var canonicalFields = map[string][]string{
	"contacts": {
		"contact.email",
		"contact.firstName",
		"contact.lastName",
		"contact.phone",
		"contact.company",
		"contact.externalId",
	},
	"companies": {
		"company.name",
		"company.domain",
		"company.industry",
		"company.externalId",
	},
	"deals": {
		"deal.name",
		"deal.amount",
		"deal.stage",
		"deal.externalId",
	},
	"tasks": {
		"task.title",
		"task.dueDate",
		"task.status",
		"task.externalId",
	},
	"activities": {
		"activity.type",
		"activity.subject",
		"activity.occurredAt",
		"activity.externalId",
	},
}

// fallbackKeys is the ordered chain of common provider field names tried when
// no explicit mapping exists for a canonical key. First present wins.
var fallbackKeys = map[string][]string{
	"contact.email":       {"email", "email_address", "emailAddress", "primary_email"},
	"contact.firstName":   {"firstName", "first_name", "given_name", "fname"},
	"contact.lastName":    {"lastName", "last_name", "family_name", "lname", "surname"},
	"contact.phone":       {"phone", "phone_number", "phoneNumber", "mobile"},
	"contact.company":     {"company", "company_name", "companyName", "organization"},
	"contact.externalId":  {"id", "external_id", "externalId", "uid"},
	"company.name":        {"name", "company_name", "companyName"},
	"company.domain":      {"domain", "website", "domain_name"},
	"company.industry":    {"industry", "sector"},
	"company.externalId":  {"id", "external_id", "externalId"},
	"deal.name":           {"name", "title", "deal_name", "dealname"},
	"deal.amount":         {"amount", "value", "deal_value"},
	"deal.stage":          {"stage", "status", "dealstage", "pipeline_stage"},
	"deal.externalId":     {"id", "external_id", "externalId"},
	"task.title":          {"title", "subject", "name"},
	"task.dueDate":        {"dueDate", "due_date", "due"},
	"task.status":         {"status", "state"},
	"task.externalId":     {"id", "external_id", "externalId"},
	"activity.type":       {"type", "activity_type", "event_type"},
	"activity.subject":    {"subject", "title", "summary"},
	"activity.occurredAt": {"occurredAt", "occurred_at", "timestamp", "created_at"},
	"activity.externalId": {"id", "external_id", "externalId"},
}

// crmFieldName strips the entity prefix from a canonical dotted key.
func crmFieldName(canonical string) string {
	for i := range canonical {
		if canonical[i] == '.' {
			return canonical[i+1:]
		}
	}
	return canonical
}

// mapInbound translates one external record into CRM shape. The explicit
// field-mapping table is consulted first, then the fallback chain. Returns
// nil when no canonical field yields a value.
func mapInbound(mapping map[string]string, entity string, external types.Record) types.Record {
	fields, ok := canonicalFields[entity]
	if !ok {
		fields = canonicalFields["contacts"]
	}

	mapped := types.Record{}
	for _, canonical := range fields {
		candidates := []string{}
		if source, ok := mapping[canonical]; ok {
			candidates = append(candidates, source)
		}
		candidates = append(candidates, fallbackKeys[canonical]...)

		for _, key := range candidates {
			if value, ok := external[key]; ok && value != nil && value != "" {
				mapped[crmFieldName(canonical)] = value
				break
			}
		}
	}

	if len(mapped) == 0 {
		return nil
	}
	return mapped
}

// mapOutbound translates one CRM record into provider shape, reversing the
// field-mapping table. Unmapped canonical fields use the first fallback key.
func mapOutbound(mapping map[string]string, entity string, record types.Record) types.Record {
	fields, ok := canonicalFields[entity]
	if !ok {
		fields = canonicalFields["contacts"]
	}

	external := types.Record{}
	for _, canonical := range fields {
		value, ok := record[crmFieldName(canonical)]
		if !ok || value == nil || value == "" {
			continue
		}

		target := ""
		if source, ok := mapping[canonical]; ok {
			target = source
		} else if chain := fallbackKeys[canonical]; len(chain) > 0 {
			target = chain[0]
		}
		if target != "" {
			external[target] = value
		}
	}

	if len(external) == 0 {
		return nil
	}
	return external
}
