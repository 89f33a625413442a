package properties

import "os"

// Version of the processing toolchain. It is written into every scene
// metadata file so downstream consumers can trace how a product was
// generated.
const Version = "0.4.2"

func StacAPIURL() string {
	if url := os.Getenv("STAC_API_URL"); url != "" {
		return url
	}
	return "https://catalogue.dataspace.copernicus.eu/stac"
}

func StacClientID() string {
	return os.Getenv("STAC_CLIENT_ID")
}

func StacClientSecret() string {
	return os.Getenv("STAC_CLIENT_SECRET")
}

func StacTokenURL() string {
	return os.Getenv("STAC_TOKEN_URL")
}

func WebhookNotificationURL() string {
	return os.Getenv("WEBHOOK_NOTIFICATION_URL")
}
