package sqlstore_test

import id "influence/pkg/domain"

func idFor(externalID string) id.RecordID {
	return id.RecordIDFor("grants", externalID)
}
