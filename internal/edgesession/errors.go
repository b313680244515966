package edgesession

import "fmt"

// brandedErrorPage renders the HTML error bodies (403, 500, 502, 504). It
// always embeds the literal message text so callers and end-to-end tests
// can grep for the exact substrings ("Tunnel not connected", "Tunnel
// disconnected", "Tunnel expired", "Access Denied"). 413 responses do not
// use it; they carry the plain-text body from plainTooLargeBody.
func brandedErrorPage(message string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><title>xpose</title></head>
<body>
<h1>%s</h1>
<p>This tunnel could not serve your request.</p>
</body>
</html>`, message)
}
