package storage

import "influence/internal/models"

// companyKeys lists the unique keys a company occupies.
func companyKeys(c models.Company) []models.CompanyKey {
	var keys []models.CompanyKey
	if c.NameKey != "" {
		keys = append(keys, models.NameKey(c.NameKey))
	}
	if c.Ticker != "" {
		keys = append(keys, models.TickerKey(c.Ticker))
	}
	if c.CIK != "" {
		keys = append(keys, models.CIKKey(c.CIK))
	}
	return keys
}

func companyFromSeed(seed models.CompanySeed) models.Company {
	return models.Company{
		CanonicalName:        seed.CanonicalName,
		NameKey:              seed.NameKey,
		Ticker:               models.TickerKey(seed.Ticker).Value,
		CIK:                  models.CIKKey(seed.CIK).Value,
		HeadquartersLocation: seed.HeadquartersLocation,
	}
}
