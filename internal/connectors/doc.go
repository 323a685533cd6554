// Package connectors replicates converted GLB files to external stores
// (S3, Azure Blob, SFTP, FTPS) selected through the CONNECTORS variable.
package connectors
