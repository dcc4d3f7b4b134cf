// Package deploy validates user-supplied Dockerfiles for the
// deploy-from-dockerfile lab path. It extracts the base image and the
// EXPOSE port list; it does not build images.
package deploy
