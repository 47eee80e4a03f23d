// internal/handlers/files.go
package handlers

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"geoportal-back/internal/models"
	"geoportal-back/internal/storage"
	"geoportal-back/internal/store"
)

var allowedUploadTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".laz":  "application/octet-stream",
	".zip":  "application/zip",
}

func UploadFile(catalog store.CatalogStore, minioClient *storage.MinIOClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		p := principal(c)
		if _, ok := authorizeProject(c, catalog, projectID); !ok {
			return
		}

		file, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "No file provided"})
			return
		}

		ext := strings.ToLower(filepath.Ext(file.Filename))
		contentType, allowed := allowedUploadTypes[ext]
		if !allowed {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("File type %s is not allowed", ext)})
			return
		}

		fileType := models.FileType(c.DefaultPostForm("file_type", string(models.FileTypeImage)))
		if !models.ValidFileType(fileType) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown file_type"})
			return
		}

		location := ""
		if latStr, lonStr := c.PostForm("lat"), c.PostForm("lon"); latStr != "" && lonStr != "" {
			lat, latErr := strconv.ParseFloat(latStr, 64)
			lon, lonErr := strconv.ParseFloat(lonStr, 64)
			if latErr != nil || lonErr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid coordinates"})
				return
			}
			location = fmt.Sprintf("POINT(%g %g)", lon, lat)
		}

		tempPath := filepath.Join(os.TempDir(), uuid.New().String()+ext)
		if err := c.SaveUploadedFile(file, tempPath); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save file"})
			return
		}
		defer os.Remove(tempPath)

		objectName := storage.GenerateObjectName(projectID, "uploads", file.Filename)
		_, size, checksum, err := minioClient.UploadFile(c.Request.Context(), objectName, tempPath, contentType)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to upload to storage"})
			return
		}

		record := models.File{
			ProjectID:        projectID,
			OwnerID:          p.UserID,
			Filename:         objectName,
			OriginalFilename: file.Filename,
			FileType:         fileType,
			Size:             size,
			MimeType:         contentType,
			Checksum:         checksum,
			StoragePath:      objectName,
			Location:         location,
		}
		if err := catalog.CreateFile(c.Request.Context(), &record); err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusCreated, record)
	}
}

// ListFiles supports an optional bbox=minLon,minLat,maxLon,maxLat filter
// over file GPS points.
func ListFiles(catalog store.CatalogStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		if _, ok := authorizeProject(c, catalog, projectID); !ok {
			return
		}

		var bounds *store.Bounds
		if bbox := c.Query("bbox"); bbox != "" {
			parts := strings.Split(bbox, ",")
			if len(parts) != 4 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "bbox must be minLon,minLat,maxLon,maxLat"})
				return
			}
			vals := make([]float64, 4)
			for i, part := range parts {
				v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
				if err != nil {
					c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid bbox value"})
					return
				}
				vals[i] = v
			}
			bounds = &store.Bounds{MinLon: vals[0], MinLat: vals[1], MaxLon: vals[2], MaxLat: vals[3]}
		} else if polygon := c.Query("within"); polygon != "" {
			bounds = &store.Bounds{PolygonWKT: polygon}
		}

		files, err := catalog.ListFilesByProject(c.Request.Context(), projectID, bounds)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, files)
	}
}

func GetFile(catalog store.CatalogStore, minioClient *storage.MinIOClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		file, err := catalog.GetFile(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		if _, ok := authorizeProject(c, catalog, file.ProjectID); !ok {
			return
		}

		response := gin.H{"file": file}
		if url, err := minioClient.GetPresignedURL(c.Request.Context(), file.StoragePath); err == nil {
			response["download_url"] = url
		}
		c.JSON(http.StatusOK, response)
	}
}

func DownloadFile(catalog store.CatalogStore, minioClient *storage.MinIOClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		file, err := catalog.GetFile(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		if _, ok := authorizeProject(c, catalog, file.ProjectID); !ok {
			return
		}

		obj, err := minioClient.GetObject(c.Request.Context(), file.StoragePath)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get file"})
			return
		}
		defer obj.Close()

		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", file.OriginalFilename))
		c.DataFromReader(http.StatusOK, file.Size, file.MimeType, obj, nil)
	}
}

func DeleteFile(catalog store.CatalogStore, minioClient *storage.MinIOClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		file, err := catalog.GetFile(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		if _, ok := authorizeProject(c, catalog, file.ProjectID); !ok {
			return
		}

		if err := catalog.DeleteFile(c.Request.Context(), id); err != nil {
			respondError(c, err)
			return
		}
		// The catalog row is gone; losing the object only wastes space.
		if err := minioClient.DeleteFile(c.Request.Context(), file.StoragePath); err != nil {
			log.Printf("delete object %s: %v", file.StoragePath, err)
		}

		c.JSON(http.StatusOK, gin.H{"message": "File deleted"})
	}
}
