package http

import (
	_ "embed"
	"fmt"
	"net/http"
)

//go:embed docs/m46-network-transaction-service.openapi.yaml
var openAPISpec []byte

const openAPIPath = "/swagger/openapi.yaml"

// swaggerPage renders the callback and buyer API contract with Swagger UI.
var swaggerPage = fmt.Sprintf(`<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>%s</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    window.ui = SwaggerUIBundle({
      url: %q,
      dom_id: "#swagger-ui",
      deepLinking: true,
      tryItOutEnabled: false,
      presets: [SwaggerUIBundle.presets.apis]
    });
  </script>
</body>
</html>`, "M46 Network Transaction API", openAPIPath)

func (h *Handler) swaggerUI(w http.ResponseWriter, _ *http.Request) {
	writeHTML(w, http.StatusOK, swaggerPage)
}

func (h *Handler) swaggerSpec(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(openAPISpec)
}
