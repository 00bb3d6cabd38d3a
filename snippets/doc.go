// Package snippets is the code snippet application of the tutorial site.
// Importing it makes its task module, "snippets.tasks", available to
// celery autodiscovery.
package snippets
