package modloader

import "go.opentelemetry.io/otel"

// tracer mirrors cron/builder.go's `var tracer = otel.Tracer("leancron")`
// package-level tracer, scoped to this engine's span names.
var tracer = otel.Tracer("modloader")
